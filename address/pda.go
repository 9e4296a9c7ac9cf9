package address

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/cpswap/cpswap/core/types"
)

const (
	// MaxSeeds is the maximum number of seeds, bump included.
	MaxSeeds = 16
	// MaxSeedLength is the maximum length of a single seed.
	MaxSeedLength = 32

	pdaMarker = "ProgramDerivedAddress"
)

var (
	ErrMaxSeedsExceeded    = errors.New("address: too many seeds")
	ErrSeedTooLong         = errors.New("address: seed exceeds 32 bytes")
	ErrOnCurve             = errors.New("address: derived address lies on the ed25519 curve")
	ErrNoViableBump        = errors.New("address: no viable bump seed")
	ErrProgramAddrMismatch = errors.New("address: seeds do not derive the expected address")
)

// CreateProgramAddress derives an address from seeds and a program id. The
// result must not be a valid ed25519 point, so that no private key exists
// for it.
func CreateProgramAddress(seeds [][]byte, program types.Pubkey) (types.Pubkey, error) {
	if len(seeds) > MaxSeeds {
		return types.Pubkey{}, ErrMaxSeedsExceeded
	}
	h := sha256.New()
	for i, s := range seeds {
		if len(s) > MaxSeedLength {
			return types.Pubkey{}, fmt.Errorf("%w: seed %d has %d bytes", ErrSeedTooLong, i, len(s))
		}
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte(pdaMarker))

	var out types.Pubkey
	h.Sum(out[:0])
	if isOnCurve(out) {
		return types.Pubkey{}, ErrOnCurve
	}
	return out, nil
}

// FindProgramAddress searches bump seeds from 255 downwards and returns the
// first off-curve address together with its bump.
func FindProgramAddress(seeds [][]byte, program types.Pubkey) (types.Pubkey, uint8, error) {
	if len(seeds) >= MaxSeeds {
		return types.Pubkey{}, 0, ErrMaxSeedsExceeded
	}
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	bump := []byte{0}
	withBump[len(seeds)] = bump

	for b := 255; b > 0; b-- {
		bump[0] = byte(b)
		addr, err := CreateProgramAddress(withBump, program)
		switch {
		case err == nil:
			return addr, byte(b), nil
		case errors.Is(err, ErrOnCurve):
			continue
		default:
			return types.Pubkey{}, 0, err
		}
	}
	return types.Pubkey{}, 0, ErrNoViableBump
}

// VerifyProgramAddress checks that seeds derive want under program and
// returns the bump that does so.
func VerifyProgramAddress(seeds [][]byte, program, want types.Pubkey) (uint8, error) {
	got, bump, err := FindProgramAddress(seeds, program)
	if err != nil {
		return 0, err
	}
	if got != want {
		return 0, fmt.Errorf("%w: got %s, want %s", ErrProgramAddrMismatch, got, want)
	}
	return bump, nil
}

func isOnCurve(p types.Pubkey) bool {
	_, err := new(edwards25519.Point).SetBytes(p[:])
	return err == nil
}
