package resolver

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cpswap/cpswap/address"
	"github.com/cpswap/cpswap/core/types"
	"github.com/cpswap/cpswap/ledger"
	"github.com/cpswap/cpswap/log"
)

var (
	testProgram = types.BytesToPubkey([]byte("cp-swap program"))
	testTree    = types.BytesToPubkey([]byte("address tree"))
	stateTree   = types.BytesToPubkey([]byte("state tree"))
	stateQueue  = types.BytesToPubkey([]byte("state queue"))
	errDown     = errors.New("service down")
)

// failingStore fails every account lookup.
type failingStore struct{}

func (failingStore) GetAccount(context.Context, types.Pubkey) (*types.AccountView, error) {
	return nil, errDown
}

// failingIndexer fails every leaf lookup.
type failingIndexer struct{}

func (failingIndexer) GetLeaf(context.Context, types.Hash) (*ledger.Leaf, error) {
	return nil, errDown
}

func (failingIndexer) GetValidityProof(context.Context, ledger.ProofRequest) (*ledger.ProofResponse, error) {
	return nil, errDown
}

// slowStore blocks until both lookups have started, proving they overlap.
type slowStore struct {
	ledger.AccountStore
	started *atomic.Int32
}

func (s slowStore) GetAccount(ctx context.Context, addr types.Pubkey) (*types.AccountView, error) {
	s.started.Add(1)
	deadline := time.Now().Add(time.Second)
	for s.started.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return s.AccountStore.GetAccount(ctx, addr)
}

type countingIndexer struct {
	ledger.Indexer
	started *atomic.Int32
}

func (ix countingIndexer) GetLeaf(ctx context.Context, addr types.Hash) (*ledger.Leaf, error) {
	ix.started.Add(1)
	return ix.Indexer.GetLeaf(ctx, addr)
}

func newTestResolver(store ledger.AccountStore, ix ledger.Indexer) *Resolver {
	return New(store, ix, WithLogger(log.Nop()))
}

func compress(t *testing.T, l *ledger.MemoryLedger, addr types.Pubkey, view *types.AccountView) *ledger.Leaf {
	t.Helper()
	compacted := address.DeriveForAccount(addr, testTree, testProgram)
	leaf, err := l.InsertLeaf(compacted, view, stateTree, stateQueue)
	if err != nil {
		t.Fatalf("InsertLeaf: %v", err)
	}
	return leaf
}

func TestResolveDirectOnly(t *testing.T) {
	l := ledger.NewMemoryLedger()
	addr := types.BytesToPubkey([]byte("pool"))
	view := &types.AccountView{Owner: testProgram, Lamports: 9, Data: []byte("pool state")}
	l.Put(addr, view)

	res, err := newTestResolver(l, l).Resolve(context.Background(), addr, testProgram, testTree)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != types.TierDirect {
		t.Fatalf("tier = %s, want direct", res.Tier)
	}
	if res.Merkle != nil {
		t.Fatal("direct-only account carries a MerkleContext")
	}
	if !res.View.Equal(view) {
		t.Fatalf("view = %+v, want %+v", res.View, view)
	}
	if res.CompactedAddress != address.DeriveForAccount(addr, testTree, testProgram) {
		t.Fatal("compacted address not derived from (addr, tree, owner)")
	}
}

func TestResolveCompactedOnly(t *testing.T) {
	l := ledger.NewMemoryLedger()
	addr := types.BytesToPubkey([]byte("observation"))
	view := &types.AccountView{Owner: testProgram, Lamports: 4, Data: []byte("observations")}
	leaf := compress(t, l, addr, view)

	res, err := newTestResolver(l, l).Resolve(context.Background(), addr, testProgram, testTree)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != types.TierCompacted {
		t.Fatalf("tier = %s, want compacted", res.Tier)
	}
	m := res.Merkle
	if m == nil {
		t.Fatal("compacted account has no MerkleContext")
	}
	if m.Tree != stateTree || m.Queue != stateQueue || m.Hash != leaf.Hash || m.LeafIndex != leaf.LeafIndex {
		t.Fatalf("merkle context = %+v, want leaf %+v", m, leaf)
	}
	if res.View.Owner != testProgram || res.View.Lamports != 4 || !bytes.Equal(res.View.Data, view.Data) {
		t.Fatalf("view = %+v", res.View)
	}
}

func TestResolveNeither(t *testing.T) {
	l := ledger.NewMemoryLedger()
	res, err := newTestResolver(l, l).Resolve(context.Background(), types.BytesToPubkey([]byte("ghost")), testProgram, testTree)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Exists() || res.View != nil || res.Merkle != nil {
		t.Fatalf("resolution = %+v, want absent", res)
	}
}

func TestResolveDirectWinsOverLaggingLeaf(t *testing.T) {
	l := ledger.NewMemoryLedger()
	addr := types.BytesToPubkey([]byte("pool"))
	compress(t, l, addr, &types.AccountView{Owner: testProgram, Data: []byte("old")})
	fresh := &types.AccountView{Owner: testProgram, Data: []byte("new")}
	l.Put(addr, fresh)

	res, err := newTestResolver(l, l).Resolve(context.Background(), addr, testProgram, testTree)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != types.TierDirect || res.Merkle != nil || !res.View.Equal(fresh) {
		t.Fatalf("resolution = %+v, want the direct account", res)
	}
}

func TestResolveEmptyDataIsNotPopulated(t *testing.T) {
	l := ledger.NewMemoryLedger()
	addr := types.BytesToPubkey([]byte("pool"))
	// A funded but uninitialized direct account does not shadow the leaf.
	l.Put(addr, &types.AccountView{Owner: testProgram, Lamports: 1})
	compress(t, l, addr, &types.AccountView{Owner: testProgram, Data: []byte("state")})

	res, err := newTestResolver(l, l).Resolve(context.Background(), addr, testProgram, testTree)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != types.TierCompacted {
		t.Fatalf("tier = %s, want compacted", res.Tier)
	}
}

func TestResolveToleratesOneFailure(t *testing.T) {
	l := ledger.NewMemoryLedger()
	addr := types.BytesToPubkey([]byte("pool"))
	l.Put(addr, &types.AccountView{Owner: testProgram, Data: []byte("direct")})
	compacted := types.BytesToPubkey([]byte("other"))
	compress(t, l, compacted, &types.AccountView{Owner: testProgram, Data: []byte("leaf")})

	tests := []struct {
		name string
		r    *Resolver
		addr types.Pubkey
		want types.Tier
	}{
		{"indexer down", newTestResolver(l, failingIndexer{}), addr, types.TierDirect},
		{"store down", newTestResolver(failingStore{}, l), compacted, types.TierCompacted},
		{"store down, absent", newTestResolver(failingStore{}, l), types.BytesToPubkey([]byte("none")), types.TierAbsent},
	}
	for _, tt := range tests {
		res, err := tt.r.Resolve(context.Background(), tt.addr, testProgram, testTree)
		if err != nil {
			t.Errorf("%s: Resolve: %v", tt.name, err)
			continue
		}
		if res.Tier != tt.want {
			t.Errorf("%s: tier = %s, want %s", tt.name, res.Tier, tt.want)
		}
		if !errors.Is(res.Degraded, errDown) {
			t.Errorf("%s: degraded = %v, want errDown", tt.name, res.Degraded)
		}
	}
}

func TestResolveBothFail(t *testing.T) {
	r := newTestResolver(failingStore{}, failingIndexer{})
	_, err := r.Resolve(context.Background(), types.BytesToPubkey([]byte("pool")), testProgram, testTree)
	if !errors.Is(err, ErrBothTiersFailed) {
		t.Fatalf("err = %v, want ErrBothTiersFailed", err)
	}
	if !errors.Is(err, errDown) {
		t.Fatalf("err = %v does not carry the underlying failure", err)
	}
}

func TestResolveLookupsOverlap(t *testing.T) {
	l := ledger.NewMemoryLedger()
	var started atomic.Int32
	r := newTestResolver(slowStore{l, &started}, countingIndexer{l, &started})

	begin := time.Now()
	if _, err := r.Resolve(context.Background(), types.BytesToPubkey([]byte("x")), testProgram, testTree); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if time.Since(begin) >= time.Second {
		t.Fatal("direct lookup waited for its deadline; the tiers were not queried concurrently")
	}
}

func TestResolveAllPreservesOrder(t *testing.T) {
	l := ledger.NewMemoryLedger()
	addrs := make([]types.Pubkey, 0, 40)
	for i := 0; i < 40; i++ {
		addr := types.BytesToPubkey([]byte{byte(i + 1)})
		addrs = append(addrs, addr)
		view := &types.AccountView{Owner: testProgram, Data: []byte{byte(i)}}
		if i%2 == 0 {
			l.Put(addr, view)
		} else {
			compress(t, l, addr, view)
		}
	}

	r := New(l, l, WithLogger(log.Nop()), WithConcurrency(4))
	got, err := r.ResolveAll(context.Background(), addrs, testProgram, testTree)
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	for i, res := range got {
		if res.Address != addrs[i] {
			t.Fatalf("result %d is for %s, want %s", i, res.Address, addrs[i])
		}
		want := types.TierDirect
		if i%2 == 1 {
			want = types.TierCompacted
		}
		if res.Tier != want || res.View.Data[0] != byte(i) {
			t.Fatalf("result %d = %s/%x", i, res.Tier, res.View.Data)
		}
	}
}

func TestResolveAllStopsOnHardError(t *testing.T) {
	r := newTestResolver(failingStore{}, failingIndexer{})
	addrs := []types.Pubkey{types.BytesToPubkey([]byte{1}), types.BytesToPubkey([]byte{2})}
	if _, err := r.ResolveAll(context.Background(), addrs, testProgram, testTree); !errors.Is(err, ErrBothTiersFailed) {
		t.Fatalf("err = %v, want ErrBothTiersFailed", err)
	}
}
