// Package types defines the core data structures shared by the resolver,
// packer, prover and migration builder.
package types

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	PubkeyLength = 32
	HashLength   = 32
)

var errInvalidLength = errors.New("types: invalid base58 length")

// Pubkey is a 32-byte ledger address. It names accounts, programs, trees and
// queues alike and is the logical address of an account in either tier.
type Pubkey [PubkeyLength]byte

// Hash is a 32-byte digest. Compacted addresses and leaf hashes are both
// hashes reduced into the proof system's scalar field.
type Hash [HashLength]byte

// BytesToPubkey converts bytes to a Pubkey, left-padding if shorter than 32
// bytes and keeping the trailing 32 bytes if longer.
func BytesToPubkey(b []byte) Pubkey {
	var p Pubkey
	p.SetBytes(b)
	return p
}

// ParsePubkey decodes a base58 string into a Pubkey.
func ParsePubkey(s string) (Pubkey, error) {
	var p Pubkey
	b, err := base58.Decode(s)
	if err != nil {
		return p, fmt.Errorf("types: decode pubkey %q: %w", s, err)
	}
	if len(b) != PubkeyLength {
		return p, fmt.Errorf("%w: pubkey %q has %d bytes", errInvalidLength, s, len(b))
	}
	copy(p[:], b)
	return p, nil
}

// MustParsePubkey is like ParsePubkey but panics on malformed input. It is
// meant for well-known constants.
func MustParsePubkey(s string) Pubkey {
	p, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Bytes returns the byte representation of the key.
func (p Pubkey) Bytes() []byte { return p[:] }

// SetBytes sets the key from a byte slice, left-padding if necessary.
func (p *Pubkey) SetBytes(b []byte) {
	if len(b) > PubkeyLength {
		b = b[len(b)-PubkeyLength:]
	}
	copy(p[PubkeyLength-len(b):], b)
}

// IsZero returns whether the key is all zeros.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// String returns the base58 form.
func (p Pubkey) String() string { return base58.Encode(p[:]) }

// MarshalText implements encoding.TextMarshaler.
func (p Pubkey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pubkey) UnmarshalText(text []byte) error {
	parsed, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// BytesToHash converts bytes to Hash, left-padding if shorter than 32 bytes.
func BytesToHash(b []byte) Hash {
	var h Hash
	h.SetBytes(b)
	return h
}

// ParseHash decodes a base58 string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("types: decode hash %q: %w", s, err)
	}
	if len(b) != HashLength {
		return h, fmt.Errorf("%w: hash %q has %d bytes", errInvalidLength, s, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Bytes returns the byte representation of the hash.
func (h Hash) Bytes() []byte { return h[:] }

// Hex returns the hex string representation of the hash.
func (h Hash) Hex() string { return fmt.Sprintf("0x%x", h[:]) }

// SetBytes sets the hash from a byte slice, left-padding if necessary.
func (h *Hash) SetBytes(b []byte) {
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
}

// IsZero returns whether the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the base58 form.
func (h Hash) String() string { return base58.Encode(h[:]) }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
