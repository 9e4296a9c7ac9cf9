// Package packer builds the positional account list of one instruction.
//
// The list is split into three contiguous segments:
//
//	[0, pre)                  pre-segment, appended without dedup
//	[pre, pre+system)         system segment, fixed per session
//	[pre+system, ...)         packed segment, deduplicated, first-insertion order
//
// Instructions reference packed accounts by their one-byte index relative to
// the start of the packed segment.
package packer

import (
	"fmt"

	"github.com/cpswap/cpswap/core/types"
)

// MaxPacked is the number of distinct addresses a one-byte index can reach.
const MaxPacked = 256

// Registry is an ordered, deduplicating address registry scoped to a single
// instruction build. It is not safe for concurrent use.
type Registry struct {
	pre    []types.AccountMeta
	system []types.AccountMeta
	packed []types.AccountMeta
	index  map[types.Pubkey]uint8
}

// Packed is the finalized account list with its segment offsets.
type Packed struct {
	Accounts           []types.AccountMeta
	PreSegmentStart    int
	SystemSegmentStart int
	PackedSegmentStart int
}

// NewSession starts a registry whose system segment holds system, in order.
func NewSession(system []types.AccountMeta) *Registry {
	return &Registry{
		system: append([]types.AccountMeta(nil), system...),
		index:  make(map[types.Pubkey]uint8),
	}
}

// InsertOrGet returns the packed index of key, inserting it with the given
// roles on first use. Later calls return the existing index and leave the
// original roles untouched. It panics once MaxPacked addresses are packed.
func (r *Registry) InsertOrGet(key types.Pubkey, isSigner, isWritable bool) uint8 {
	if idx, ok := r.index[key]; ok {
		return idx
	}
	if len(r.packed) == MaxPacked {
		panic(fmt.Sprintf("packer: more than %d packed accounts", MaxPacked))
	}
	idx := uint8(len(r.packed))
	r.packed = append(r.packed, types.AccountMeta{Pubkey: key, IsSigner: isSigner, IsWritable: isWritable})
	r.index[key] = idx
	return idx
}

// InsertOrGetWritable packs key as a writable non-signer.
func (r *Registry) InsertOrGetWritable(key types.Pubkey) uint8 {
	return r.InsertOrGet(key, false, true)
}

// InsertOrGetReadOnly packs key as a read-only non-signer. It shares the
// index space of InsertOrGet.
func (r *Registry) InsertOrGetReadOnly(key types.Pubkey) uint8 {
	return r.InsertOrGet(key, false, false)
}

// AddPreAccount appends meta to the pre-segment. The caller guarantees it is
// not present elsewhere in the list.
func (r *Registry) AddPreAccount(meta types.AccountMeta) {
	r.pre = append(r.pre, meta)
}

// Finalize concatenates pre, system and packed segments. The registry stays
// usable; calling Finalize again reflects later insertions.
func (r *Registry) Finalize() Packed {
	accounts := make([]types.AccountMeta, 0, len(r.pre)+len(r.system)+len(r.packed))
	accounts = append(accounts, r.pre...)
	accounts = append(accounts, r.system...)
	accounts = append(accounts, r.packed...)
	return Packed{
		Accounts:           accounts,
		PreSegmentStart:    0,
		SystemSegmentStart: len(r.pre),
		PackedSegmentStart: len(r.pre) + len(r.system),
	}
}

// PackedAccounts returns the packed segment of a finalized list.
func (p Packed) PackedAccounts() []types.AccountMeta {
	return p.Accounts[p.PackedSegmentStart:]
}

// AbsoluteIndex converts a packed index into a position in Accounts.
func (p Packed) AbsoluteIndex(idx uint8) int {
	return p.PackedSegmentStart + int(idx)
}
