// Package resolver unifies direct-tier and compacted-tier lookups into one
// canonical account view.
//
// Merge policy, applied to every resolution:
//
//  1. A populated direct-tier account is authoritative. Any compacted leaf
//     under the same address is ignored, since the indexer may still report
//     a leaf that a just-completed decompression consumed.
//  2. Otherwise a non-empty compacted leaf provides the view and its
//     MerkleContext.
//  3. Otherwise the account is absent.
//
// A failed lookup on one tier is tolerated when the other tier answers; only
// a failure on both is returned as an error.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cpswap/cpswap/address"
	"github.com/cpswap/cpswap/core/types"
	"github.com/cpswap/cpswap/ledger"
	"github.com/cpswap/cpswap/log"
	"github.com/cpswap/cpswap/metrics"
)

// ErrBothTiersFailed is returned when neither tier could be queried.
var ErrBothTiersFailed = errors.New("resolver: both tier lookups failed")

// DefaultConcurrency bounds the resolutions ResolveAll runs at once.
const DefaultConcurrency = 16

// Resolver resolves logical addresses against both storage tiers.
type Resolver struct {
	store       ledger.AccountStore
	indexer     ledger.Indexer
	log         *log.Logger
	metrics     *metrics.Collectors
	concurrency int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics sets the metric collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithConcurrency bounds ResolveAll. Values below one are ignored.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// New creates a Resolver over the given tiers.
func New(store ledger.AccountStore, indexer ledger.Indexer, opts ...Option) *Resolver {
	r := &Resolver{
		store:       store,
		indexer:     indexer,
		log:         log.Default().Module("resolver"),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve looks addr up in both tiers concurrently and merges the answers.
// The compacted address is derived from (addr, tree, owner). An absent
// account is a TierAbsent resolution, not an error.
func (r *Resolver) Resolve(ctx context.Context, addr, owner, tree types.Pubkey) (types.Resolution, error) {
	compacted := address.DeriveForAccount(addr, tree, owner)

	var (
		wg      sync.WaitGroup
		view    *types.AccountView
		leaf    *ledger.Leaf
		viewErr error
		leafErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		view, viewErr = r.store.GetAccount(ctx, addr)
		r.metrics.TierLookup(types.TierDirect.String(), viewErr)
	}()
	go func() {
		defer wg.Done()
		leaf, leafErr = r.indexer.GetLeaf(ctx, compacted)
		r.metrics.TierLookup(types.TierCompacted.String(), leafErr)
	}()
	wg.Wait()

	if viewErr != nil && leafErr != nil {
		return types.Resolution{}, fmt.Errorf("%w: %s: %w", ErrBothTiersFailed, addr, errors.Join(viewErr, leafErr))
	}

	res := merge(addr, compacted, view, leaf)
	switch {
	case viewErr != nil:
		res.Degraded = fmt.Errorf("direct tier: %w", viewErr)
	case leafErr != nil:
		res.Degraded = fmt.Errorf("compacted tier: %w", leafErr)
	}
	if res.Degraded != nil {
		r.log.Warn("tier lookup failed, using the other tier", "address", addr, "tier", res.Tier.String(), "err", res.Degraded)
	}
	r.metrics.Resolution(res.Tier.String())
	r.log.Debug("resolved account", "address", addr, "compacted", compacted, "tier", res.Tier.String())
	return res, nil
}

// ResolveAll resolves every address, preserving input order. The first
// hard error cancels the remaining lookups and is returned.
func (r *Resolver) ResolveAll(ctx context.Context, addrs []types.Pubkey, owner, tree types.Pubkey) ([]types.Resolution, error) {
	out := make([]types.Resolution, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, addr := range addrs {
		i, addr := i, addr // per-iteration copy (go1.22 loopvar semantics on older toolchains)
		g.Go(func() error {
			res, err := r.Resolve(gctx, addr, owner, tree)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// merge applies the tier policy to the raw lookup results.
func merge(addr types.Pubkey, compacted types.Hash, view *types.AccountView, leaf *ledger.Leaf) types.Resolution {
	res := types.Resolution{Address: addr, CompactedAddress: compacted, Tier: types.TierAbsent}
	switch {
	case view != nil && len(view.Data) > 0:
		res.Tier = types.TierDirect
		res.View = view
	case leaf != nil && len(leaf.Data) > 0:
		res.Tier = types.TierCompacted
		res.View = &types.AccountView{
			Owner:    leaf.Owner,
			Lamports: leaf.Lamports,
			Data:     leaf.Data,
		}
		res.Merkle = &types.MerkleContext{
			Tree:         leaf.Tree,
			Queue:        leaf.Queue,
			Hash:         leaf.Hash,
			LeafIndex:    leaf.LeafIndex,
			ProveByIndex: leaf.ProveByIndex,
		}
	}
	return res
}
