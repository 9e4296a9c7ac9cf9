// Package ledger defines the external services this module consumes: the
// direct-tier account store and the compacted-tier indexer. It ships memory
// implementations and a JSON-RPC transport for both.
package ledger

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/cpswap/cpswap/core/types"
	"github.com/cpswap/cpswap/crypto"
)

var (
	// ErrTransport wraps every failure at the transport or service layer.
	ErrTransport = errors.New("ledger: transport failure")
	// ErrProofUnavailable means the indexer could not prove a requested leaf
	// or address, typically because a concurrent migration consumed it.
	ErrProofUnavailable = errors.New("ledger: proof unavailable")
)

// AccountStore is the direct tier. GetAccount returns nil, nil when the
// account does not exist.
type AccountStore interface {
	GetAccount(ctx context.Context, addr types.Pubkey) (*types.AccountView, error)
}

// Indexer is the compacted tier. GetLeaf returns nil, nil when no leaf is
// stored under the compacted address.
type Indexer interface {
	GetLeaf(ctx context.Context, addr types.Hash) (*Leaf, error)
	GetValidityProof(ctx context.Context, req ProofRequest) (*ProofResponse, error)
}

// Leaf is one committed account inside a state tree.
type Leaf struct {
	Address      types.Hash   `json:"address"`
	Owner        types.Pubkey `json:"owner"`
	Lamports     uint64       `json:"lamports"`
	Data         []byte       `json:"data"`
	Hash         types.Hash   `json:"hash"`
	LeafIndex    uint32       `json:"leafIndex"`
	Tree         types.Pubkey `json:"tree"`
	Queue        types.Pubkey `json:"queue"`
	ProveByIndex bool         `json:"proveByIndex"`
}

// LeafQuery asks whether a leaf exists with the given hash.
type LeafQuery struct {
	Hash  types.Hash   `json:"hash"`
	Tree  types.Pubkey `json:"tree"`
	Queue types.Pubkey `json:"queue"`
}

// AddressQuery asks whether an address is still free in an address tree.
type AddressQuery struct {
	Address types.Hash   `json:"address"`
	Tree    types.Pubkey `json:"tree"`
	Queue   types.Pubkey `json:"queue"`
}

// ProofRequest batches both query kinds into one round trip. Each list
// keeps its own order.
type ProofRequest struct {
	Leaves       []LeafQuery    `json:"leaves"`
	NewAddresses []AddressQuery `json:"newAddresses"`
}

// LeafProof is the per-leaf part of a validity proof.
type LeafProof struct {
	Hash         types.Hash   `json:"hash"`
	Tree         types.Pubkey `json:"tree"`
	Queue        types.Pubkey `json:"queue"`
	LeafIndex    uint32       `json:"leafIndex"`
	RootIndex    uint16       `json:"rootIndex"`
	ProveByIndex bool         `json:"proveByIndex"`
}

// AddressProof is the per-address part of a validity proof.
type AddressProof struct {
	Address   types.Hash   `json:"address"`
	Tree      types.Pubkey `json:"tree"`
	Queue     types.Pubkey `json:"queue"`
	RootIndex uint16       `json:"rootIndex"`
}

// ProofResponse mirrors a ProofRequest position by position. Proof is empty
// when every leaf is provable by index and no address is queried.
type ProofResponse struct {
	Proof     []byte         `json:"proof"`
	Leaves    []LeafProof    `json:"leaves"`
	Addresses []AddressProof `json:"addresses"`
}

// DataHash is the content commitment of account data.
func DataHash(data []byte) types.Hash {
	return crypto.HashToFieldSize(data)
}

// LeafHash is the hash a state tree stores for a compacted account.
func LeafHash(owner types.Pubkey, lamports uint64, addr types.Hash, data []byte) types.Hash {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], lamports)
	dh := DataHash(data)
	return crypto.HashvToFieldSize(owner[:], le[:], addr[:], dh[:])
}
