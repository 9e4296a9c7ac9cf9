// Package devnet is an in-memory two-tier ledger that executes migration
// instructions the way the on-ledger program does. It backs integration
// tests and the local development server.
package devnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cpswap/cpswap/address"
	"github.com/cpswap/cpswap/core/types"
	"github.com/cpswap/cpswap/ledger"
	"github.com/cpswap/cpswap/log"
	"github.com/cpswap/cpswap/metrics"
	"github.com/cpswap/cpswap/migration"
	"github.com/cpswap/cpswap/packer"
)

var (
	ErrWrongProgram    = errors.New("devnet: instruction targets another program")
	ErrAccountIndex    = errors.New("devnet: account index out of range")
	ErrAddressMismatch = errors.New("devnet: compacted address does not match the account")
	ErrUnknownQueue    = errors.New("devnet: output queue has no state tree")
	ErrLeafMismatch    = errors.New("devnet: leaf does not match the record")
	ErrDuplicateRecord = errors.New("devnet: account migrated twice in one instruction")
)

// Devnet wraps a MemoryLedger with an instruction executor.
type Devnet struct {
	*ledger.MemoryLedger

	program types.Pubkey
	mu      sync.Mutex
	trees   map[types.Pubkey]types.Pubkey // output queue -> state tree
	log     *log.Logger
	metrics *metrics.Collectors
}

// Option configures a Devnet.
type Option func(*Devnet)

// WithMetrics records executed instructions in m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(d *Devnet) { d.metrics = m }
}

// New creates an empty devnet for program. Compression output lands in
// stateTree through stateQueue.
func New(program, stateTree, stateQueue types.Pubkey, logger *log.Logger, opts ...Option) *Devnet {
	if logger == nil {
		logger = log.Default().Module("devnet")
	}
	d := &Devnet{
		MemoryLedger: ledger.NewMemoryLedger(),
		program:      program,
		trees:        map[types.Pubkey]types.Pubkey{stateQueue: stateTree},
		log:          logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddStateTree registers another output queue and its state tree.
func (d *Devnet) AddStateTree(tree, queue types.Pubkey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trees[queue] = tree
}

// Apply executes a migration instruction and returns how many accounts
// changed tier. Records whose account is already in the target tier are
// skipped. Every record is checked before any is applied, so a rejected
// instruction leaves the ledger untouched.
func (d *Devnet) Apply(ctx context.Context, ix *types.Instruction) (int, error) {
	if ix.ProgramID != d.program {
		return 0, fmt.Errorf("%w: %s", ErrWrongProgram, ix.ProgramID)
	}
	p, err := migration.DecodePayload(ix.Data)
	if err != nil {
		return 0, err
	}
	if p.SystemOffset > p.PackedOffset || int(p.PackedOffset) > len(ix.Accounts) {
		return 0, fmt.Errorf("%w: offsets %d/%d of %d accounts", ErrAccountIndex, p.SystemOffset, p.PackedOffset, len(ix.Accounts))
	}
	list := packer.Packed{
		Accounts:           ix.Accounts,
		SystemSegmentStart: int(p.SystemOffset),
		PackedSegmentStart: int(p.PackedOffset),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var n int
	err = d.Update(func(tx *ledger.Tx) error {
		var (
			ops []func(*ledger.Tx) error
			err error
		)
		if p.Direction == migration.Compress {
			ops, err = d.planCompress(ctx, p, list)
		} else {
			ops, err = d.planDecompress(ctx, p, list)
		}
		if err != nil {
			return err
		}
		for _, op := range ops {
			if err := op(tx); err != nil {
				return err
			}
		}
		n = len(ops)
		return nil
	})
	d.metrics.Applied(p.Direction.String(), n, err)
	if err != nil {
		d.log.Warn("instruction rejected", "direction", p.Direction.String(), "records", p.Count(), "err", err)
		return 0, err
	}
	attrs := []any{"direction", p.Direction.String(), "records", p.Count(), "migrated", n}
	if p.Direction == migration.Compress {
		queue, _ := at(list, p.OutputQueueIndex)
		root, idx := d.StateRoot(d.trees[queue])
		attrs = append(attrs, "stateRoot", root, "rootIndex", idx)
	}
	d.log.Info("instruction applied", attrs...)
	return n, nil
}

func (d *Devnet) planCompress(ctx context.Context, p *migration.Payload, list packer.Packed) ([]func(*ledger.Tx) error, error) {
	queue, err := at(list, p.OutputQueueIndex)
	if err != nil {
		return nil, err
	}
	tree, ok := d.trees[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	var ops []func(*ledger.Tx) error
	seen := make(map[types.Pubkey]struct{}, len(p.Compress))
	for _, rec := range p.Compress {
		rec := rec // per-iteration copy (go1.22 loopvar semantics on older toolchains)
		addr, err := at(list, rec.AccountIndex)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRecord, addr)
		}
		seen[addr] = struct{}{}
		addrTree, err := at(list, rec.AddressTreeIndex)
		if err != nil {
			return nil, err
		}
		seeds := append(append([][]byte(nil), rec.Seeds...), []byte{rec.Bump})
		pda, err := address.CreateProgramAddress(seeds, d.program)
		if err != nil || pda != addr {
			return nil, fmt.Errorf("%w: %s", migration.ErrSeedMismatch, addr)
		}
		if address.DeriveForAccount(addr, addrTree, d.program) != rec.Address {
			return nil, fmt.Errorf("%w: %s", ErrAddressMismatch, addr)
		}
		view, err := d.GetAccount(ctx, addr)
		if err != nil {
			return nil, err
		}
		if view == nil {
			// Already compressed by an earlier instruction.
			continue
		}
		if ledger.DataHash(view.Data) != rec.DataHash {
			return nil, fmt.Errorf("%w: data of %s changed since the build", ledger.ErrLeafStale, addr)
		}
		if leaf, err := d.GetLeaf(ctx, rec.Address); err != nil {
			return nil, err
		} else if leaf != nil {
			return nil, fmt.Errorf("%w: %s", ledger.ErrLeafExists, rec.Address)
		}
		if err := d.VerifyAddressRoot(addrTree, rec.RootIndex); err != nil {
			return nil, err
		}
		ops = append(ops, func(tx *ledger.Tx) error {
			if _, err := tx.Compress(addr, rec.Address, rec.DataHash, tree, queue); err != nil {
				return err
			}
			return d.InsertAddress(addrTree, rec.Address)
		})
	}
	return ops, nil
}

func (d *Devnet) planDecompress(ctx context.Context, p *migration.Payload, list packer.Packed) ([]func(*ledger.Tx) error, error) {
	var ops []func(*ledger.Tx) error
	seen := make(map[types.Pubkey]struct{}, len(p.Decompress))
	for _, rec := range p.Decompress {
		rec := rec // per-iteration copy (go1.22 loopvar semantics on older toolchains)
		addr, err := at(list, rec.AccountIndex)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRecord, addr)
		}
		seen[addr] = struct{}{}
		tree, err := at(list, rec.TreeIndex)
		if err != nil {
			return nil, err
		}
		view, err := d.GetAccount(ctx, addr)
		if err != nil {
			return nil, err
		}
		if view != nil {
			// Already decompressed by an earlier instruction.
			continue
		}
		leaf, err := d.GetLeaf(ctx, rec.Address)
		if err != nil {
			return nil, err
		}
		if leaf == nil {
			return nil, fmt.Errorf("%w: %s", ledger.ErrLeafAbsent, rec.Address)
		}
		if leaf.Tree != tree || leaf.LeafIndex != rec.LeafIndex || !bytes.Equal(leaf.Data, rec.Data) {
			return nil, fmt.Errorf("%w: %s", ErrLeafMismatch, rec.Address)
		}
		if err := d.VerifyLeaf(tree, rec.LeafIndex, leaf.Hash, rec.RootIndex, rec.ProveByIndex); err != nil {
			return nil, err
		}
		ops = append(ops, func(tx *ledger.Tx) error {
			_, err := tx.Decompress(addr, rec.Address, leaf.Hash)
			return err
		})
	}
	return ops, nil
}

// at returns the packed account at idx.
func at(list packer.Packed, idx uint8) (types.Pubkey, error) {
	if n := len(list.PackedAccounts()); int(idx) >= n {
		return types.Pubkey{}, fmt.Errorf("%w: %d of %d", ErrAccountIndex, idx, n)
	}
	return list.Accounts[list.AbsoluteIndex(idx)].Pubkey, nil
}
