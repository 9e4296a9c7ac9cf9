// Package migration builds idempotent compress and decompress instructions
// that move accounts between the direct and the compacted tier.
//
// BuildMigration resolves every target, skips the ones already in the
// target tier and returns nil when nothing is left. Callers may therefore
// prepend its output to every transaction unconditionally.
package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/cpswap/cpswap/address"
	"github.com/cpswap/cpswap/core/types"
	"github.com/cpswap/cpswap/ledger"
	"github.com/cpswap/cpswap/log"
	"github.com/cpswap/cpswap/metrics"
	"github.com/cpswap/cpswap/packer"
	"github.com/cpswap/cpswap/prover"
)

// MaxTargets bounds one build so every packed index and count fits a byte.
const MaxTargets = 64

// PreAccounts is the size of the pre-segment: fee payer, rent sponsor and
// compression config. MaxSystemAccounts keeps the packed offset in a byte.
const (
	PreAccounts       = 3
	MaxSystemAccounts = 0xff - PreAccounts
)

var (
	ErrAccountNotFound  = errors.New("migration: account exists in neither tier")
	ErrSeedMismatch     = errors.New("migration: seeds do not derive the target address")
	ErrDuplicateTarget  = errors.New("migration: duplicate target")
	ErrTooManyTargets   = errors.New("migration: too many targets")
	ErrInvalidDirection = errors.New("migration: invalid direction")
	ErrAccountOverflow  = errors.New("migration: account list overflows a one-byte offset")
)

// Direction selects the tier transition.
type Direction uint8

const (
	// Compress moves direct accounts into compacted leaves.
	Compress Direction = iota + 1
	// Decompress restores compacted leaves as direct accounts.
	Decompress
)

// String returns "compress" or "decompress".
func (d Direction) String() string {
	switch d {
	case Compress:
		return "compress"
	case Decompress:
		return "decompress"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// ParseDirection is the inverse of String.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "compress":
		return Compress, nil
	case "decompress":
		return Decompress, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	if d != Compress && d != Decompress {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDirection, uint8(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(text []byte) error {
	v, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// target reports the tier an account reaches after migrating in d.
func (d Direction) target() types.Tier {
	if d == Compress {
		return types.TierCompacted
	}
	return types.TierDirect
}

// Target is one account to migrate. Seeds are the program-derived address
// seeds without the bump; they are required for compression only.
type Target struct {
	Address types.Pubkey
	Seeds   [][]byte
}

// Config names the accounts every migration instruction references.
type Config struct {
	ProgramID         types.Pubkey
	AddressTree       types.Pubkey
	AddressQueue      types.Pubkey
	OutputQueue       types.Pubkey
	FeePayer          types.Pubkey
	RentSponsor       types.Pubkey
	CompressionConfig types.Pubkey
	SystemAccounts    []types.Pubkey
}

// Resolver is the part of resolver.Resolver the builder needs.
type Resolver interface {
	ResolveAll(ctx context.Context, addrs []types.Pubkey, owner, tree types.Pubkey) ([]types.Resolution, error)
}

// Prover is the part of prover.Coordinator the builder needs.
type Prover interface {
	RequestProof(ctx context.Context, newAddrs []ledger.AddressQuery, leaves []ledger.LeafQuery) (*prover.ValidityProof, error)
}

// Builder composes resolution, proving and packing into migration
// instructions. It keeps no state between builds.
type Builder struct {
	cfg      Config
	resolver Resolver
	prover   Prover
	log      *log.Logger
	metrics  *metrics.Collectors
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.log = l
		}
	}
}

// WithMetrics sets the metric collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(b *Builder) { b.metrics = m }
}

// NewBuilder creates a Builder.
func NewBuilder(cfg Config, r Resolver, p Prover, opts ...Option) *Builder {
	b := &Builder{cfg: cfg, resolver: r, prover: p, log: log.Default().Module("migration")}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// pending is a target that still needs migrating.
type pending struct {
	target Target
	res    types.Resolution
	bump   uint8
}

// BuildMigration returns the instruction that moves every target not yet in
// the tier selected by dir, or nil when all of them already are.
func (b *Builder) BuildMigration(ctx context.Context, targets []Target, dir Direction) (*types.Instruction, error) {
	if dir != Compress && dir != Decompress {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDirection, uint8(dir))
	}
	id := uuid.New()
	logger := b.log.With("build", id.String(), "direction", dir.String())

	ix, n, err := b.build(ctx, targets, dir)
	switch {
	case err != nil:
		b.metrics.Build(dir.String(), metrics.ResultError)
		logger.Warn("migration build failed", "targets", len(targets), "err", err)
		return nil, err
	case ix == nil:
		b.metrics.Build(dir.String(), metrics.ResultNoop)
		logger.Debug("nothing to migrate", "targets", len(targets))
		return nil, nil
	}
	b.metrics.Build(dir.String(), metrics.ResultOK)
	logger.Info("migration built", "targets", len(targets), "migrated", n, "accounts", len(ix.Accounts), "bytes", len(ix.Data))
	return ix, nil
}

func (b *Builder) build(ctx context.Context, targets []Target, dir Direction) (*types.Instruction, int, error) {
	if len(targets) > MaxTargets {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrTooManyTargets, len(targets), MaxTargets)
	}
	addrs := make([]types.Pubkey, len(targets))
	seen := make(map[types.Pubkey]struct{}, len(targets))
	for i, t := range targets {
		if _, dup := seen[t.Address]; dup {
			return nil, 0, fmt.Errorf("%w: %s", ErrDuplicateTarget, t.Address)
		}
		seen[t.Address] = struct{}{}
		addrs[i] = t.Address
	}
	if len(addrs) == 0 {
		return nil, 0, nil
	}

	resolved, err := b.resolver.ResolveAll(ctx, addrs, b.cfg.ProgramID, b.cfg.AddressTree)
	if err != nil {
		return nil, 0, fmt.Errorf("migration: resolve: %w", err)
	}
	var include []pending
	for i, res := range resolved {
		switch res.Tier {
		case types.TierAbsent:
			if res.Degraded != nil {
				return nil, 0, fmt.Errorf("%w: %s (lookup degraded: %w)", ErrAccountNotFound, res.Address, res.Degraded)
			}
			return nil, 0, fmt.Errorf("%w: %s", ErrAccountNotFound, res.Address)
		case dir.target():
			continue
		}
		include = append(include, pending{target: targets[i], res: res})
	}
	if len(include) == 0 {
		return nil, 0, nil
	}

	if dir == Compress {
		for i := range include {
			bump, err := address.VerifyProgramAddress(include[i].target.Seeds, b.cfg.ProgramID, include[i].target.Address)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: %s: %w", ErrSeedMismatch, include[i].target.Address, err)
			}
			include[i].bump = bump
		}
	}

	var (
		newAddrs []ledger.AddressQuery
		leaves   []ledger.LeafQuery
	)
	for _, p := range include {
		if dir == Compress {
			newAddrs = append(newAddrs, ledger.AddressQuery{
				Address: p.res.CompactedAddress,
				Tree:    b.cfg.AddressTree,
				Queue:   b.cfg.AddressQueue,
			})
		} else {
			leaves = append(leaves, ledger.LeafQuery{
				Hash:  p.res.Merkle.Hash,
				Tree:  p.res.Merkle.Tree,
				Queue: p.res.Merkle.Queue,
			})
		}
	}
	proof, err := b.prover.RequestProof(ctx, newAddrs, leaves)
	if err != nil {
		return nil, 0, fmt.Errorf("migration: %w", err)
	}

	reg := b.newRegistry()
	accountIdx := make([]uint8, len(include))
	for i, p := range include {
		accountIdx[i] = reg.InsertOrGetWritable(p.target.Address)
	}
	infos := prover.PackTreeInfos(proof, reg)

	payload := &Payload{Direction: dir, Proof: proof.Proof}
	if dir == Compress {
		for i, p := range include {
			info := infos.Addresses[i]
			payload.Compress = append(payload.Compress, CompressRecord{
				AccountIndex:      accountIdx[i],
				AddressTreeIndex:  info.AddressTreeIndex,
				AddressQueueIndex: info.AddressQueueIndex,
				RootIndex:         info.RootIndex,
				Address:           p.res.CompactedAddress,
				DataHash:          ledger.DataHash(p.res.View.Data),
				Seeds:             p.target.Seeds,
				Bump:              p.bump,
			})
		}
		payload.OutputQueueIndex = reg.InsertOrGetWritable(b.cfg.OutputQueue)
	} else {
		for i, p := range include {
			info := infos.Leaves[i]
			payload.Decompress = append(payload.Decompress, DecompressRecord{
				AccountIndex: accountIdx[i],
				TreeIndex:    info.TreeIndex,
				QueueIndex:   info.QueueIndex,
				LeafIndex:    info.LeafIndex,
				RootIndex:    info.RootIndex,
				ProveByIndex: info.ProveByIndex,
				Address:      p.res.CompactedAddress,
				Data:         p.res.View.Data,
			})
		}
	}

	packed := reg.Finalize()
	if packed.SystemSegmentStart > 0xff || packed.PackedSegmentStart > 0xff {
		return nil, 0, fmt.Errorf("%w: packed segment starts at %d", ErrAccountOverflow, packed.PackedSegmentStart)
	}
	payload.SystemOffset = uint8(packed.SystemSegmentStart)
	payload.PackedOffset = uint8(packed.PackedSegmentStart)
	data, err := EncodePayload(payload)
	if err != nil {
		return nil, 0, err
	}
	return &types.Instruction{ProgramID: b.cfg.ProgramID, Accounts: packed.Accounts, Data: data}, len(include), nil
}

// newRegistry seeds a registry with the fixed pre and system segments.
func (b *Builder) newRegistry() *packer.Registry {
	system := make([]types.AccountMeta, len(b.cfg.SystemAccounts))
	for i, k := range b.cfg.SystemAccounts {
		system[i] = types.NewReadonlyMeta(k)
	}
	reg := packer.NewSession(system)
	reg.AddPreAccount(types.AccountMeta{Pubkey: b.cfg.FeePayer, IsSigner: true, IsWritable: true})
	reg.AddPreAccount(types.NewAccountMeta(b.cfg.RentSponsor))
	reg.AddPreAccount(types.NewReadonlyMeta(b.cfg.CompressionConfig))
	return reg
}
