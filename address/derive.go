// Package address derives the identities an account carries across tiers:
// the compacted-tier address inside an address tree, and the program-derived
// address that owns the account in the direct tier.
//
// Derive must match the on-ledger derivation byte for byte. A divergence is
// not detectable locally; it only shows up as rejected proofs, so every
// caller in this module goes through this package.
package address

import (
	"github.com/cpswap/cpswap/core/types"
	"github.com/cpswap/cpswap/crypto"
)

// Derive maps (seed, tree, owner) to a compacted-tier address:
// Keccak256(seed || tree || owner || 0xFF) with the leading byte zeroed.
func Derive(seed []byte, tree, owner types.Pubkey) types.Hash {
	return crypto.HashvToFieldSize(seed, tree[:], owner[:])
}

// DeriveForAccount derives the compacted address of a direct-tier account,
// using its 32 address bytes as the seed.
func DeriveForAccount(addr, tree, owner types.Pubkey) types.Hash {
	return Derive(addr[:], tree, owner)
}

// Deriver binds a tree and owner so call sites only pass the seed.
type Deriver struct {
	Tree  types.Pubkey
	Owner types.Pubkey
}

// NewDeriver returns a Deriver for addresses owned by owner in tree.
func NewDeriver(tree, owner types.Pubkey) Deriver {
	return Deriver{Tree: tree, Owner: owner}
}

// Derive derives the compacted address for seed.
func (d Deriver) Derive(seed []byte) types.Hash {
	return Derive(seed, d.Tree, d.Owner)
}

// ForAccount derives the compacted address for a logical address.
func (d Deriver) ForAccount(addr types.Pubkey) types.Hash {
	return DeriveForAccount(addr, d.Tree, d.Owner)
}
