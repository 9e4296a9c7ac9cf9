// Package prover batches validity-proof requests to the indexer and maps the
// results onto packed account indices.
package prover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cpswap/cpswap/ledger"
	"github.com/cpswap/cpswap/log"
	"github.com/cpswap/cpswap/metrics"
	"github.com/cpswap/cpswap/packer"
)

var (
	ErrEmptyRequest      = errors.New("prover: nothing to prove")
	ErrMalformedResponse = errors.New("prover: malformed indexer response")
)

// ValidityProof is the proof for one batch. Leaves and Addresses mirror the
// request position by position.
type ValidityProof struct {
	Proof     []byte
	Leaves    []ledger.LeafProof
	Addresses []ledger.AddressProof
}

// RootIndices returns the root index of every query: leaves first, then new
// addresses, each in request order.
func (p *ValidityProof) RootIndices() []uint16 {
	out := make([]uint16, 0, len(p.Leaves)+len(p.Addresses))
	for _, l := range p.Leaves {
		out = append(out, l.RootIndex)
	}
	for _, a := range p.Addresses {
		out = append(out, a.RootIndex)
	}
	return out
}

// Coordinator requests proofs from an indexer.
type Coordinator struct {
	indexer ledger.Indexer
	log     *log.Logger
	metrics *metrics.Collectors
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the metric collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New creates a Coordinator over indexer.
func New(indexer ledger.Indexer, opts ...Option) *Coordinator {
	c := &Coordinator{indexer: indexer, log: log.Default().Module("prover")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestProof proves, in one round trip, that every address in newAddrs is
// still free and every leaf in leaves is live. Any failure aborts the whole
// batch; nothing is retried.
func (c *Coordinator) RequestProof(ctx context.Context, newAddrs []ledger.AddressQuery, leaves []ledger.LeafQuery) (*ValidityProof, error) {
	if len(newAddrs) == 0 && len(leaves) == 0 {
		return nil, ErrEmptyRequest
	}
	req := ledger.ProofRequest{Leaves: leaves, NewAddresses: newAddrs}

	start := time.Now()
	resp, err := c.indexer.GetValidityProof(ctx, req)
	if err == nil {
		err = validate(req, resp)
	}
	c.metrics.ProofRequest(time.Since(start), err)
	if err != nil {
		c.log.Warn("validity proof request failed", "leaves", len(leaves), "addresses", len(newAddrs), "err", err)
		return nil, fmt.Errorf("prover: request proof: %w", err)
	}
	c.log.Debug("validity proof received", "leaves", len(leaves), "addresses", len(newAddrs), "elapsed", time.Since(start))
	return &ValidityProof{Proof: resp.Proof, Leaves: resp.Leaves, Addresses: resp.Addresses}, nil
}

// validate checks that resp answers exactly req.
func validate(req ledger.ProofRequest, resp *ledger.ProofResponse) error {
	if resp == nil {
		return fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	if len(resp.Leaves) != len(req.Leaves) {
		return fmt.Errorf("%w: %d leaf proofs for %d leaves", ErrMalformedResponse, len(resp.Leaves), len(req.Leaves))
	}
	if len(resp.Addresses) != len(req.NewAddresses) {
		return fmt.Errorf("%w: %d address proofs for %d addresses", ErrMalformedResponse, len(resp.Addresses), len(req.NewAddresses))
	}
	needsProof := len(req.NewAddresses) > 0
	for i, q := range req.Leaves {
		got := resp.Leaves[i]
		if got.Hash != q.Hash || got.Tree != q.Tree || got.Queue != q.Queue {
			return fmt.Errorf("%w: leaf %d answers %s in %s/%s, want %s in %s/%s", ErrMalformedResponse, i, got.Hash, got.Tree, got.Queue, q.Hash, q.Tree, q.Queue)
		}
		if !got.ProveByIndex {
			needsProof = true
		}
	}
	for i, q := range req.NewAddresses {
		got := resp.Addresses[i]
		if got.Address != q.Address || got.Tree != q.Tree || got.Queue != q.Queue {
			return fmt.Errorf("%w: address %d answers %s in %s/%s, want %s in %s/%s", ErrMalformedResponse, i, got.Address, got.Tree, got.Queue, q.Address, q.Tree, q.Queue)
		}
	}
	switch {
	case needsProof && len(resp.Proof) != ledger.ProofSize:
		return fmt.Errorf("%w: proof is %d bytes, want %d", ErrMalformedResponse, len(resp.Proof), ledger.ProofSize)
	case !needsProof && len(resp.Proof) != 0 && len(resp.Proof) != ledger.ProofSize:
		return fmt.Errorf("%w: proof is %d bytes", ErrMalformedResponse, len(resp.Proof))
	}
	return nil
}

// PackedStateTreeInfo locates one existing leaf by packed indices.
type PackedStateTreeInfo struct {
	RootIndex    uint16
	ProveByIndex bool
	TreeIndex    uint8
	QueueIndex   uint8
	LeafIndex    uint32
}

// PackedAddressTreeInfo locates one new address by packed indices.
type PackedAddressTreeInfo struct {
	RootIndex         uint16
	AddressTreeIndex  uint8
	AddressQueueIndex uint8
}

// PackedTreeInfos holds the packed records of a proof, in query order.
type PackedTreeInfos struct {
	Leaves    []PackedStateTreeInfo
	Addresses []PackedAddressTreeInfo
}

// PackTreeInfos registers the tree and queue of every proven query in reg
// (tree first, then queue, leaves before addresses) and pairs the resulting
// indices with the query's root index.
func PackTreeInfos(p *ValidityProof, reg *packer.Registry) PackedTreeInfos {
	out := PackedTreeInfos{
		Leaves:    make([]PackedStateTreeInfo, 0, len(p.Leaves)),
		Addresses: make([]PackedAddressTreeInfo, 0, len(p.Addresses)),
	}
	for _, l := range p.Leaves {
		tree := reg.InsertOrGetWritable(l.Tree)
		queue := reg.InsertOrGetWritable(l.Queue)
		out.Leaves = append(out.Leaves, PackedStateTreeInfo{
			RootIndex:    l.RootIndex,
			ProveByIndex: l.ProveByIndex,
			TreeIndex:    tree,
			QueueIndex:   queue,
			LeafIndex:    l.LeafIndex,
		})
	}
	for _, a := range p.Addresses {
		tree := reg.InsertOrGetWritable(a.Tree)
		queue := reg.InsertOrGetWritable(a.Queue)
		out.Addresses = append(out.Addresses, PackedAddressTreeInfo{
			RootIndex:         a.RootIndex,
			AddressTreeIndex:  tree,
			AddressQueueIndex: queue,
		})
	}
	return out
}
