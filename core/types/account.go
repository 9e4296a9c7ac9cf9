package types

import "bytes"

// AccountView is the tier-independent view of an account.
type AccountView struct {
	Owner      Pubkey `json:"owner"`
	Lamports   uint64 `json:"lamports"`
	Data       []byte `json:"data"`
	Executable bool   `json:"executable"`
}

// Copy returns a deep copy of the view.
func (v *AccountView) Copy() *AccountView {
	if v == nil {
		return nil
	}
	cpy := *v
	cpy.Data = bytes.Clone(v.Data)
	return &cpy
}

// Equal reports whether two views carry identical state.
func (v *AccountView) Equal(o *AccountView) bool {
	if v == nil || o == nil {
		return v == o
	}
	return v.Owner == o.Owner &&
		v.Lamports == o.Lamports &&
		v.Executable == o.Executable &&
		bytes.Equal(v.Data, o.Data)
}

// MerkleContext locates a compacted leaf inside its accumulator. It is only
// present for accounts resolved from the compacted tier.
type MerkleContext struct {
	Tree         Pubkey `json:"tree"`
	Queue        Pubkey `json:"queue"`
	Hash         Hash   `json:"hash"`
	LeafIndex    uint32 `json:"leafIndex"`
	ProveByIndex bool   `json:"proveByIndex"`
}

// Tier identifies which storage tier holds authoritative state.
type Tier uint8

const (
	// TierAbsent means the account exists in neither tier.
	TierAbsent Tier = iota
	// TierDirect is full, mutable, always-queryable state.
	TierDirect
	// TierCompacted is a leaf commitment inside an accumulator.
	TierCompacted
)

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierAbsent:
		return "absent"
	case TierDirect:
		return "direct"
	case TierCompacted:
		return "compacted"
	default:
		return "unknown"
	}
}

// Resolution is the canonical view of one logical address.
//
// View is nil iff Tier is TierAbsent; Merkle is non-nil iff Tier is
// TierCompacted. Degraded carries a lookup failure on one tier that was
// tolerated because the other tier answered.
type Resolution struct {
	Address          Pubkey
	CompactedAddress Hash
	Tier             Tier
	View             *AccountView
	Merkle           *MerkleContext
	Degraded         error
}

// Exists reports whether either tier holds the account.
func (r Resolution) Exists() bool { return r.Tier != TierAbsent }
