// merkle_tree.go implements the state tree behind the compacted tier: a
// fixed-depth Merkle tree of leaf hashes that supports appends and
// nullification, plus a ring buffer of recent roots. Proofs reference a
// root by its position in that buffer.
//
// Nodes are field-size Keccak hashes, so every node is a BN254 scalar.
package crypto

import (
	"errors"
	"sync"

	"github.com/cpswap/cpswap/core/types"
)

// Defaults for state trees.
const (
	StateTreeDepth       = 26
	StateTreeRootHistory = 2400
)

var (
	ErrTreeFull       = errors.New("merkle_tree: tree is full")
	ErrTreeBadIndex   = errors.New("merkle_tree: index out of range")
	ErrTreeNullified  = errors.New("merkle_tree: leaf already nullified")
	ErrLeafOutOfField = errors.New("merkle_tree: leaf hash is not a field element")
)

// zeroHashes[i] is the root of an empty subtree of height i.
var zeroHashes = func() [][32]byte {
	z := make([][32]byte, 33)
	for i := 1; i < len(z); i++ {
		z[i] = [32]byte(HashvToFieldSize(z[i-1][:], z[i-1][:]))
	}
	return z
}()

func hashNode(left, right [32]byte) [32]byte {
	return [32]byte(HashvToFieldSize(left[:], right[:]))
}

// MerkleProof is an inclusion proof for the leaf at Index.
type MerkleProof struct {
	Index    uint64
	Siblings []types.Hash
}

// MerkleTree is an append-only Merkle tree whose leaves can be nullified
// (reset to zero). Only non-empty nodes are stored.
type MerkleTree struct {
	mu      sync.RWMutex
	depth   int
	nodes   []map[uint64][32]byte // nodes[level][position]
	nextIdx uint64

	roots     [][32]byte // ring buffer
	rootIndex int
}

// NewMerkleTree creates an empty tree of the given depth (at most 32)
// keeping the last history roots.
func NewMerkleTree(depth, history int) *MerkleTree {
	if depth < 1 || depth > 32 {
		panic("merkle_tree: depth out of range")
	}
	if history < 1 {
		panic("merkle_tree: root history must be positive")
	}
	t := &MerkleTree{
		depth: depth,
		nodes: make([]map[uint64][32]byte, depth+1),
		roots: make([][32]byte, history),
	}
	for i := range t.nodes {
		t.nodes[i] = make(map[uint64][32]byte)
	}
	t.roots[0] = zeroHashes[depth]
	return t
}

// Root returns the current root.
func (t *MerkleTree) Root() types.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return types.Hash(t.roots[t.rootIndex])
}

// RootIndex returns the position of the current root in the history.
func (t *MerkleTree) RootIndex() uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint16(t.rootIndex)
}

// RootAt returns the root stored at position idx of the history.
func (t *MerkleTree) RootAt(idx uint16) (types.Hash, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(idx) >= len(t.roots) {
		return types.Hash{}, false
	}
	return types.Hash(t.roots[idx]), true
}

// Size returns the number of leaves appended so far, nullified included.
func (t *MerkleTree) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextIdx
}

// Append adds a leaf hash and returns its index and the new root.
func (t *MerkleTree) Append(leaf types.Hash) (uint64, types.Hash, error) {
	if !InScalarField(leaf) || leaf.IsZero() {
		return 0, types.Hash{}, ErrLeafOutOfField
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nextIdx >= uint64(1)<<t.depth {
		return 0, types.Hash{}, ErrTreeFull
	}
	idx := t.nextIdx
	t.nextIdx++
	root := t.update(idx, leaf)
	return idx, root, nil
}

// Nullify resets the leaf at idx to zero and returns the new root.
func (t *MerkleTree) Nullify(idx uint64) (types.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx >= t.nextIdx {
		return types.Hash{}, ErrTreeBadIndex
	}
	if _, ok := t.nodes[0][idx]; !ok {
		return types.Hash{}, ErrTreeNullified
	}
	return t.update(idx, types.Hash{}), nil
}

// Leaf returns the hash at idx, zero once nullified.
func (t *MerkleTree) Leaf(idx uint64) (types.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx >= t.nextIdx {
		return types.Hash{}, ErrTreeBadIndex
	}
	return types.Hash(t.nodes[0][idx]), nil
}

// Prove returns the inclusion proof of the leaf at idx against the
// current root.
func (t *MerkleTree) Prove(idx uint64) (*MerkleProof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if idx >= t.nextIdx {
		return nil, ErrTreeBadIndex
	}
	proof := &MerkleProof{Index: idx, Siblings: make([]types.Hash, t.depth)}
	pos := idx
	for level := 0; level < t.depth; level++ {
		proof.Siblings[level] = types.Hash(t.node(level, pos^1))
		pos /= 2
	}
	return proof, nil
}

// VerifyMerkleProof checks that leaf sits at proof.Index under root.
func VerifyMerkleProof(leaf types.Hash, proof *MerkleProof, root types.Hash) bool {
	if proof == nil {
		return false
	}
	cur := [32]byte(leaf)
	pos := proof.Index
	for _, sib := range proof.Siblings {
		if pos%2 == 0 {
			cur = hashNode(cur, [32]byte(sib))
		} else {
			cur = hashNode([32]byte(sib), cur)
		}
		pos /= 2
	}
	return types.Hash(cur) == root
}

func (t *MerkleTree) node(level int, pos uint64) [32]byte {
	if h, ok := t.nodes[level][pos]; ok {
		return h
	}
	return zeroHashes[level]
}

func (t *MerkleTree) set(level int, pos uint64, h [32]byte) {
	if h == zeroHashes[level] {
		delete(t.nodes[level], pos)
		return
	}
	t.nodes[level][pos] = h
}

// update writes leaf at idx, rehashes its path and records the new root.
// Caller holds the write lock.
func (t *MerkleTree) update(idx uint64, leaf types.Hash) types.Hash {
	t.set(0, idx, [32]byte(leaf))
	cur := [32]byte(leaf)
	pos := idx
	for level := 0; level < t.depth; level++ {
		if pos%2 == 0 {
			cur = hashNode(cur, t.node(level, pos+1))
		} else {
			cur = hashNode(t.node(level, pos-1), cur)
		}
		pos /= 2
		t.set(level+1, pos, cur)
	}
	t.rootIndex = (t.rootIndex + 1) % len(t.roots)
	t.roots[t.rootIndex] = cur
	return types.Hash(cur)
}
