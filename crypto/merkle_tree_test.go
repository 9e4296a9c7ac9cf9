package crypto

import (
	"errors"
	"testing"

	"github.com/cpswap/cpswap/core/types"
)

func leafN(n byte) types.Hash {
	return HashToFieldSize([]byte{n})
}

func TestMerkleTreeEmptyRoot(t *testing.T) {
	tree := NewMerkleTree(4, 8)
	if tree.Root() != types.Hash(zeroHashes[4]) {
		t.Fatalf("empty root = %s, want zero subtree root", tree.Root())
	}
	if tree.RootIndex() != 0 || tree.Size() != 0 {
		t.Fatalf("root index %d, size %d", tree.RootIndex(), tree.Size())
	}
}

func TestMerkleTreeAppendAndProve(t *testing.T) {
	tree := NewMerkleTree(8, 16)
	for i := byte(0); i < 5; i++ {
		idx, root, err := tree.Append(leafN(i))
		if err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
		if idx != uint64(i) {
			t.Fatalf("index = %d, want %d", idx, i)
		}
		if root != tree.Root() || tree.RootIndex() != uint16(i)+1 {
			t.Fatalf("root bookkeeping off after append %d", i)
		}
	}
	root := tree.Root()
	for i := byte(0); i < 5; i++ {
		proof, err := tree.Prove(uint64(i))
		if err != nil {
			t.Fatalf("Prove(%d): %v", i, err)
		}
		if len(proof.Siblings) != 8 {
			t.Fatalf("proof depth = %d, want 8", len(proof.Siblings))
		}
		if !VerifyMerkleProof(leafN(i), proof, root) {
			t.Fatalf("proof %d does not verify", i)
		}
		if VerifyMerkleProof(leafN(i+1), proof, root) {
			t.Fatalf("proof %d verifies the wrong leaf", i)
		}
	}
	if _, err := tree.Prove(5); !errors.Is(err, ErrTreeBadIndex) {
		t.Fatalf("Prove past end: err = %v", err)
	}
}

func TestMerkleTreeMatchesFullRebuild(t *testing.T) {
	const depth = 3
	tree := NewMerkleTree(depth, 4)
	var leaves [][32]byte
	for i := byte(0); i < 6; i++ {
		tree.Append(leafN(i))
		leaves = append(leaves, [32]byte(leafN(i)))
	}
	layer := make([][32]byte, 1<<depth)
	copy(layer, leaves)
	for len(layer) > 1 {
		next := make([][32]byte, len(layer)/2)
		for i := range next {
			next[i] = hashNode(layer[2*i], layer[2*i+1])
		}
		layer = next
	}
	if tree.Root() != types.Hash(layer[0]) {
		t.Fatalf("incremental root %s != rebuilt root %x", tree.Root(), layer[0])
	}
}

func TestMerkleTreeNullify(t *testing.T) {
	tree := NewMerkleTree(4, 8)
	tree.Append(leafN(1))
	before := tree.Root()
	tree.Append(leafN(2))

	root, err := tree.Nullify(1)
	if err != nil {
		t.Fatalf("Nullify: %v", err)
	}
	// Leaf 1 reset to zero gives the same root as never appending it.
	if root != before {
		t.Fatalf("root after nullify = %s, want %s", root, before)
	}
	if h, _ := tree.Leaf(1); !h.IsZero() {
		t.Fatalf("nullified leaf = %s", h)
	}
	if _, err := tree.Nullify(1); !errors.Is(err, ErrTreeNullified) {
		t.Fatalf("second nullify: err = %v", err)
	}
	if _, err := tree.Nullify(7); !errors.Is(err, ErrTreeBadIndex) {
		t.Fatalf("nullify past end: err = %v", err)
	}
	if tree.Size() != 2 {
		t.Fatalf("size = %d, want 2", tree.Size())
	}
}

func TestMerkleTreeRootHistory(t *testing.T) {
	tree := NewMerkleTree(4, 3)
	var roots []types.Hash
	for i := byte(0); i < 4; i++ {
		_, root, _ := tree.Append(leafN(i))
		roots = append(roots, root)
	}
	// Four updates wrap a three-slot history: 1, 2, 0, 1.
	if tree.RootIndex() != 1 {
		t.Fatalf("root index = %d, want 1", tree.RootIndex())
	}
	if got, ok := tree.RootAt(0); !ok || got != roots[2] {
		t.Fatalf("RootAt(0) = %s, want %s", got, roots[2])
	}
	if _, ok := tree.RootAt(3); ok {
		t.Fatal("RootAt past history should fail")
	}
}

func TestMerkleTreeRejects(t *testing.T) {
	tree := NewMerkleTree(1, 1)
	if _, _, err := tree.Append(types.Hash{}); !errors.Is(err, ErrLeafOutOfField) {
		t.Fatalf("zero leaf: err = %v", err)
	}
	var big types.Hash
	big[0] = 0xff
	if _, _, err := tree.Append(big); !errors.Is(err, ErrLeafOutOfField) {
		t.Fatalf("out-of-field leaf: err = %v", err)
	}
	tree.Append(leafN(1))
	tree.Append(leafN(2))
	if _, _, err := tree.Append(leafN(3)); !errors.Is(err, ErrTreeFull) {
		t.Fatalf("full tree: err = %v", err)
	}
}
