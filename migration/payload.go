package migration

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cpswap/cpswap/core/types"
)

// ErrInvalidPayload is returned by DecodePayload for truncated or unknown
// instruction data.
var ErrInvalidPayload = errors.New("migration: invalid payload")

// DiscriminatorSize is the length of the instruction selector.
const DiscriminatorSize = 8

var (
	compressDiscriminator   = discriminator("compress_accounts_idempotent")
	decompressDiscriminator = discriminator("decompress_accounts_idempotent")
)

func discriminator(name string) [DiscriminatorSize]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [DiscriminatorSize]byte
	copy(d[:], sum[:DiscriminatorSize])
	return d
}

// Discriminator returns the instruction selector of dir.
func Discriminator(dir Direction) [DiscriminatorSize]byte {
	if dir == Compress {
		return compressDiscriminator
	}
	return decompressDiscriminator
}

// DecompressRecord restores one compacted account. Indices are relative to
// the packed segment.
type DecompressRecord struct {
	AccountIndex uint8      `json:"accountIndex"`
	TreeIndex    uint8      `json:"treeIndex"`
	QueueIndex   uint8      `json:"queueIndex"`
	LeafIndex    uint32     `json:"leafIndex"`
	RootIndex    uint16     `json:"rootIndex"`
	ProveByIndex bool       `json:"proveByIndex"`
	Address      types.Hash `json:"address"`
	Data         []byte     `json:"data"`
}

// CompressRecord commits one direct account to a new leaf. Seeds exclude the
// bump, which travels separately.
type CompressRecord struct {
	AccountIndex      uint8      `json:"accountIndex"`
	AddressTreeIndex  uint8      `json:"addressTreeIndex"`
	AddressQueueIndex uint8      `json:"addressQueueIndex"`
	RootIndex         uint16     `json:"rootIndex"`
	Address           types.Hash `json:"address"`
	DataHash          types.Hash `json:"dataHash"`
	Seeds             [][]byte   `json:"seeds"`
	Bump              uint8      `json:"bump"`
}

// Payload is the decoded instruction data of a migration. Exactly one of
// Compress and Decompress is populated, matching Direction.
type Payload struct {
	Direction        Direction          `json:"direction"`
	Proof            []byte             `json:"proof"`
	SystemOffset     uint8              `json:"systemOffset"`
	PackedOffset     uint8              `json:"packedOffset"`
	Compress         []CompressRecord   `json:"compress,omitempty"`
	Decompress       []DecompressRecord `json:"decompress,omitempty"`
	OutputQueueIndex uint8              `json:"outputQueueIndex"`
}

// Count returns the number of migrated accounts.
func (p *Payload) Count() int {
	if p.Direction == Compress {
		return len(p.Compress)
	}
	return len(p.Decompress)
}

// EncodePayload serializes p in little-endian order.
func EncodePayload(p *Payload) ([]byte, error) {
	if p.Direction != Compress && p.Direction != Decompress {
		return nil, fmt.Errorf("%w: direction %d", ErrInvalidPayload, p.Direction)
	}
	if p.Count() > 0xff {
		return nil, fmt.Errorf("%w: %d records", ErrInvalidPayload, p.Count())
	}
	var w bytes.Buffer
	d := Discriminator(p.Direction)
	w.Write(d[:])
	writeBytes32(&w, p.Proof)
	w.WriteByte(p.SystemOffset)
	w.WriteByte(p.PackedOffset)
	w.WriteByte(byte(p.Count()))

	switch p.Direction {
	case Decompress:
		for _, r := range p.Decompress {
			w.Write([]byte{r.AccountIndex, r.TreeIndex, r.QueueIndex})
			writeUint32(&w, r.LeafIndex)
			writeUint16(&w, r.RootIndex)
			w.WriteByte(boolByte(r.ProveByIndex))
			w.Write(r.Address[:])
			writeBytes32(&w, r.Data)
		}
	case Compress:
		for _, r := range p.Compress {
			if len(r.Seeds) > 0xff {
				return nil, fmt.Errorf("%w: %d seeds", ErrInvalidPayload, len(r.Seeds))
			}
			w.Write([]byte{r.AccountIndex, r.AddressTreeIndex, r.AddressQueueIndex})
			writeUint16(&w, r.RootIndex)
			w.Write(r.Address[:])
			w.Write(r.DataHash[:])
			w.WriteByte(byte(len(r.Seeds)))
			for _, s := range r.Seeds {
				if len(s) > 0xff {
					return nil, fmt.Errorf("%w: seed of %d bytes", ErrInvalidPayload, len(s))
				}
				w.WriteByte(byte(len(s)))
				w.Write(s)
			}
			w.WriteByte(r.Bump)
		}
		w.WriteByte(p.OutputQueueIndex)
	}
	return w.Bytes(), nil
}

// DecodePayload is the inverse of EncodePayload. Trailing bytes are rejected.
func DecodePayload(data []byte) (*Payload, error) {
	r := &reader{buf: data}
	var d [DiscriminatorSize]byte
	copy(d[:], r.next(DiscriminatorSize))
	p := new(Payload)
	switch {
	case r.err != nil:
	case d == compressDiscriminator:
		p.Direction = Compress
	case d == decompressDiscriminator:
		p.Direction = Decompress
	default:
		return nil, fmt.Errorf("%w: unknown discriminator %x", ErrInvalidPayload, d)
	}
	p.Proof = r.bytes32()
	p.SystemOffset = r.u8()
	p.PackedOffset = r.u8()
	count := int(r.u8())

	switch p.Direction {
	case Decompress:
		for i := 0; i < count && r.err == nil; i++ {
			var rec DecompressRecord
			rec.AccountIndex = r.u8()
			rec.TreeIndex = r.u8()
			rec.QueueIndex = r.u8()
			rec.LeafIndex = r.u32()
			rec.RootIndex = r.u16()
			rec.ProveByIndex = r.u8() != 0
			copy(rec.Address[:], r.next(types.HashLength))
			rec.Data = r.bytes32()
			p.Decompress = append(p.Decompress, rec)
		}
	case Compress:
		for i := 0; i < count && r.err == nil; i++ {
			var rec CompressRecord
			rec.AccountIndex = r.u8()
			rec.AddressTreeIndex = r.u8()
			rec.AddressQueueIndex = r.u8()
			rec.RootIndex = r.u16()
			copy(rec.Address[:], r.next(types.HashLength))
			copy(rec.DataHash[:], r.next(types.HashLength))
			n := int(r.u8())
			for j := 0; j < n && r.err == nil; j++ {
				rec.Seeds = append(rec.Seeds, bytes.Clone(r.next(int(r.u8()))))
			}
			rec.Bump = r.u8()
			p.Compress = append(p.Compress, rec)
		}
		p.OutputQueueIndex = r.u8()
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, r.err)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidPayload, len(r.buf))
	}
	return p, nil
}

func writeUint16(w *bytes.Buffer, v uint16) {
	w.Write(binary.LittleEndian.AppendUint16(nil, v))
}

func writeUint32(w *bytes.Buffer, v uint32) {
	w.Write(binary.LittleEndian.AppendUint32(nil, v))
}

// writeBytes32 writes b with a u32 length prefix.
func writeBytes32(w *bytes.Buffer, b []byte) {
	writeUint32(w, uint32(len(b)))
	w.Write(b)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// reader consumes a payload front to back. The first short read sets err and
// every later read returns zero values.
type reader struct {
	buf []byte
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.buf) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u8() byte {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.next(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.next(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) bytes32() []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	if b := r.next(int(n)); b != nil {
		return bytes.Clone(b)
	}
	return nil
}
