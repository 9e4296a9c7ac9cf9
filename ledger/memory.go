package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cpswap/cpswap/core/types"
	"github.com/cpswap/cpswap/crypto"
)

// ProofSize is the size of a compressed Groth16 proof: a (32), b (64), c (32).
const ProofSize = 128

var (
	ErrAccountExists = errors.New("ledger: account already exists in the direct tier")
	ErrAccountAbsent = errors.New("ledger: account not found in the direct tier")
	ErrLeafExists    = errors.New("ledger: address already holds a leaf")
	ErrLeafAbsent    = errors.New("ledger: leaf not found")
	ErrLeafStale     = errors.New("ledger: leaf hash does not match")
	ErrUnknownRoot   = errors.New("ledger: root index names no recorded root")
)

// MemoryStore is an in-memory AccountStore.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[types.Pubkey]*types.AccountView
}

// NewMemoryStore creates an empty in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[types.Pubkey]*types.AccountView)}
}

// GetAccount implements AccountStore. The returned view is a copy.
func (s *MemoryStore) GetAccount(ctx context.Context, addr types.Pubkey) (*types.AccountView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[addr].Copy(), nil
}

// Put stores a copy of view under addr, replacing any previous account.
func (s *MemoryStore) Put(addr types.Pubkey, view *types.AccountView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[addr] = view.Copy()
}

// Delete removes addr and reports whether it was present.
func (s *MemoryStore) Delete(addr types.Pubkey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[addr]
	delete(s.accounts, addr)
	return ok
}

// AccountCount returns the number of stored accounts.
func (s *MemoryStore) AccountCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// MemoryIndexer is an in-memory Indexer. Every state tree and address tree
// is a crypto.MerkleTree, so leaf indices and root indices follow the trees.
type MemoryIndexer struct {
	mu           sync.RWMutex
	leaves       map[types.Hash]*Leaf      // compacted address -> leaf
	byHash       map[types.Hash]types.Hash // leaf hash -> compacted address
	trees        map[types.Pubkey]*crypto.MerkleTree
	addressTrees map[types.Pubkey]*crypto.MerkleTree
	proveByIndex bool
}

// NewMemoryIndexer creates an empty in-memory indexer.
func NewMemoryIndexer() *MemoryIndexer {
	return &MemoryIndexer{
		leaves:       make(map[types.Hash]*Leaf),
		byHash:       make(map[types.Hash]types.Hash),
		trees:        make(map[types.Pubkey]*crypto.MerkleTree),
		addressTrees: make(map[types.Pubkey]*crypto.MerkleTree),
	}
}

// SetProveByIndex controls whether newly inserted leaves are marked as
// provable by index (still in the output queue, not yet in the tree).
func (ix *MemoryIndexer) SetProveByIndex(v bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.proveByIndex = v
}

func treeFor(m map[types.Pubkey]*crypto.MerkleTree, key types.Pubkey) *crypto.MerkleTree {
	t, ok := m[key]
	if !ok {
		t = crypto.NewMerkleTree(crypto.StateTreeDepth, crypto.StateTreeRootHistory)
		m[key] = t
	}
	return t
}

// StateRoot returns the current root of tree and its root index.
func (ix *MemoryIndexer) StateRoot(tree types.Pubkey) (types.Hash, uint16) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	t := treeFor(ix.trees, tree)
	return t.Root(), t.RootIndex()
}

// InsertLeaf commits an account under addr in tree/queue and returns the
// stored leaf.
func (ix *MemoryIndexer) InsertLeaf(addr types.Hash, view *types.AccountView, tree, queue types.Pubkey) (*Leaf, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.leaves[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrLeafExists, addr)
	}
	hash := LeafHash(view.Owner, view.Lamports, addr, view.Data)
	idx, _, err := treeFor(ix.trees, tree).Append(hash)
	if err != nil {
		return nil, fmt.Errorf("ledger: append leaf %s: %w", addr, err)
	}
	leaf := &Leaf{
		Address:      addr,
		Owner:        view.Owner,
		Lamports:     view.Lamports,
		Data:         append([]byte(nil), view.Data...),
		Hash:         hash,
		LeafIndex:    uint32(idx),
		Tree:         tree,
		Queue:        queue,
		ProveByIndex: ix.proveByIndex,
	}
	ix.leaves[addr] = leaf
	ix.byHash[hash] = addr
	return copyLeaf(leaf), nil
}

// RemoveLeaf nullifies the leaf under addr. The leaf hash must match.
func (ix *MemoryIndexer) RemoveLeaf(addr, hash types.Hash) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	leaf, ok := ix.leaves[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLeafAbsent, addr)
	}
	if leaf.Hash != hash {
		return fmt.Errorf("%w: %s", ErrLeafStale, addr)
	}
	if _, err := treeFor(ix.trees, leaf.Tree).Nullify(uint64(leaf.LeafIndex)); err != nil {
		return fmt.Errorf("ledger: nullify leaf %s: %w", addr, err)
	}
	delete(ix.leaves, addr)
	delete(ix.byHash, hash)
	return nil
}

// InsertAddress records a newly created address in an address tree.
func (ix *MemoryIndexer) InsertAddress(tree types.Pubkey, addr types.Hash) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, _, err := treeFor(ix.addressTrees, tree).Append(addr); err != nil {
		return fmt.Errorf("ledger: insert address %s: %w", addr, err)
	}
	return nil
}

// VerifyLeaf checks that position idx of tree holds hash and that the leaf
// proves against the current root. Unless byIndex is set, rootIndex must
// name a root the tree has recorded.
func (ix *MemoryIndexer) VerifyLeaf(tree types.Pubkey, idx uint32, hash types.Hash, rootIndex uint16, byIndex bool) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	t := treeFor(ix.trees, tree)
	got, err := t.Leaf(uint64(idx))
	if err != nil {
		return fmt.Errorf("ledger: leaf %d of %s: %w", idx, tree, err)
	}
	if got != hash {
		return fmt.Errorf("%w: leaf %d of %s", ErrLeafStale, idx, tree)
	}
	proof, err := t.Prove(uint64(idx))
	if err != nil {
		return fmt.Errorf("ledger: prove leaf %d of %s: %w", idx, tree, err)
	}
	if !crypto.VerifyMerkleProof(hash, proof, t.Root()) {
		return fmt.Errorf("%w: leaf %d of %s is not under the current root", ErrLeafStale, idx, tree)
	}
	if byIndex {
		return nil
	}
	return checkRoot(t, tree, rootIndex)
}

// VerifyAddressRoot checks that rootIndex names a recorded root of the
// address tree.
func (ix *MemoryIndexer) VerifyAddressRoot(tree types.Pubkey, rootIndex uint16) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return checkRoot(treeFor(ix.addressTrees, tree), tree, rootIndex)
}

// checkRoot rejects history slots that were never written.
func checkRoot(t *crypto.MerkleTree, tree types.Pubkey, idx uint16) error {
	if root, ok := t.RootAt(idx); !ok || root.IsZero() {
		return fmt.Errorf("%w: %d of %s", ErrUnknownRoot, idx, tree)
	}
	return nil
}

// LeafCount returns the number of live leaves.
func (ix *MemoryIndexer) LeafCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.leaves)
}

// GetLeaf implements Indexer.
func (ix *MemoryIndexer) GetLeaf(ctx context.Context, addr types.Hash) (*Leaf, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return copyLeaf(ix.leaves[addr]), nil
}

// GetValidityProof implements Indexer. A leaf query fails with
// ErrProofUnavailable when no live leaf carries the hash; an address query
// fails when the address is already taken.
func (ix *MemoryIndexer) GetValidityProof(ctx context.Context, req ProofRequest) (*ProofResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	resp := &ProofResponse{
		Leaves:    make([]LeafProof, 0, len(req.Leaves)),
		Addresses: make([]AddressProof, 0, len(req.NewAddresses)),
	}
	needsProof := len(req.NewAddresses) > 0
	var roots [][]byte
	for i, q := range req.Leaves {
		addr, ok := ix.byHash[q.Hash]
		if !ok {
			return nil, fmt.Errorf("%w: leaf %d (%s) is not live", ErrProofUnavailable, i, q.Hash)
		}
		leaf := ix.leaves[addr]
		lp := LeafProof{
			Hash:         leaf.Hash,
			Tree:         leaf.Tree,
			Queue:        leaf.Queue,
			LeafIndex:    leaf.LeafIndex,
			ProveByIndex: leaf.ProveByIndex,
		}
		if !leaf.ProveByIndex {
			t := treeFor(ix.trees, leaf.Tree)
			root := t.Root()
			lp.RootIndex = t.RootIndex()
			roots = append(roots, root[:])
			needsProof = true
		}
		resp.Leaves = append(resp.Leaves, lp)
	}
	for i, q := range req.NewAddresses {
		if _, taken := ix.leaves[q.Address]; taken {
			return nil, fmt.Errorf("%w: address %d (%s) already exists", ErrProofUnavailable, i, q.Address)
		}
		t := treeFor(ix.addressTrees, q.Tree)
		root := t.Root()
		roots = append(roots, root[:])
		resp.Addresses = append(resp.Addresses, AddressProof{
			Address:   q.Address,
			Tree:      q.Tree,
			Queue:     q.Queue,
			RootIndex: t.RootIndex(),
		})
	}
	if needsProof {
		resp.Proof = mockProof(roots, req)
	}
	return resp, nil
}

// mockProof derives a deterministic proof-shaped blob from the referenced
// roots and the queried identities.
func mockProof(roots [][]byte, req ProofRequest) []byte {
	parts := append([][]byte(nil), roots...)
	for _, q := range req.Leaves {
		parts = append(parts, q.Hash.Bytes())
	}
	for _, q := range req.NewAddresses {
		parts = append(parts, q.Address.Bytes())
	}
	proof := make([]byte, 0, ProofSize)
	seed := crypto.Keccak256(parts...)
	for len(proof) < ProofSize {
		seed = crypto.Keccak256(seed)
		proof = append(proof, seed...)
	}
	return proof[:ProofSize]
}

func copyLeaf(l *Leaf) *Leaf {
	if l == nil {
		return nil
	}
	cpy := *l
	cpy.Data = append([]byte(nil), l.Data...)
	return &cpy
}

// MemoryLedger pairs a MemoryStore with a MemoryIndexer and implements the
// tier transitions on top of them.
type MemoryLedger struct {
	*MemoryStore
	*MemoryIndexer

	mu sync.Mutex // serializes writes across both tiers
}

// NewMemoryLedger creates an empty two-tier ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		MemoryStore:   NewMemoryStore(),
		MemoryIndexer: NewMemoryIndexer(),
	}
}

// Put stores a copy of view under addr. It waits for any running Update.
func (l *MemoryLedger) Put(addr types.Pubkey, view *types.AccountView) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.MemoryStore.Put(addr, view)
}

// Tx performs tier transitions inside Update.
type Tx struct {
	l *MemoryLedger
}

// Update runs fn with every other write to l blocked, so the checks fn makes
// still hold when its transitions apply. fn must not call Put, Compress or
// Decompress on l itself.
func (l *MemoryLedger) Update(fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(&Tx{l: l})
}

// Compress moves the direct account at addr into a leaf under compacted.
// The account must still hold exactly the data committed to by dataHash.
func (l *MemoryLedger) Compress(addr types.Pubkey, compacted, dataHash types.Hash, tree, queue types.Pubkey) (*Leaf, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.compress(addr, compacted, dataHash, tree, queue)
}

// Decompress nullifies the leaf under compacted and restores its account
// at addr in the direct tier.
func (l *MemoryLedger) Decompress(addr types.Pubkey, compacted, leafHash types.Hash) (*types.AccountView, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decompress(addr, compacted, leafHash)
}

// Compress is MemoryLedger.Compress under the Update lock.
func (tx *Tx) Compress(addr types.Pubkey, compacted, dataHash types.Hash, tree, queue types.Pubkey) (*Leaf, error) {
	return tx.l.compress(addr, compacted, dataHash, tree, queue)
}

// Decompress is MemoryLedger.Decompress under the Update lock.
func (tx *Tx) Decompress(addr types.Pubkey, compacted, leafHash types.Hash) (*types.AccountView, error) {
	return tx.l.decompress(addr, compacted, leafHash)
}

func (l *MemoryLedger) compress(addr types.Pubkey, compacted, dataHash types.Hash, tree, queue types.Pubkey) (*Leaf, error) {
	view, _ := l.MemoryStore.GetAccount(context.Background(), addr)
	if view == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountAbsent, addr)
	}
	if DataHash(view.Data) != dataHash {
		return nil, fmt.Errorf("%w: data of %s changed since the build", ErrLeafStale, addr)
	}
	leaf, err := l.MemoryIndexer.InsertLeaf(compacted, view, tree, queue)
	if err != nil {
		return nil, err
	}
	l.MemoryStore.Delete(addr)
	return leaf, nil
}

func (l *MemoryLedger) decompress(addr types.Pubkey, compacted, leafHash types.Hash) (*types.AccountView, error) {
	if view, _ := l.MemoryStore.GetAccount(context.Background(), addr); view != nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, addr)
	}
	leaf, _ := l.MemoryIndexer.GetLeaf(context.Background(), compacted)
	if leaf == nil {
		return nil, fmt.Errorf("%w: %s", ErrLeafAbsent, compacted)
	}
	if err := l.MemoryIndexer.RemoveLeaf(compacted, leafHash); err != nil {
		return nil, err
	}
	view := &types.AccountView{Owner: leaf.Owner, Lamports: leaf.Lamports, Data: leaf.Data}
	l.MemoryStore.Put(addr, view)
	return view.Copy(), nil
}
