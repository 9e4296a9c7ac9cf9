// Package crypto provides the hash primitives shared by address derivation,
// leaf hashing and payload commitments.
package crypto

import (
	"github.com/cpswap/cpswap/core/types"
	"golang.org/x/crypto/sha3"
)

// FieldBump is the domain-separation byte appended by HashvToFieldSize.
const FieldBump byte = 0xFF

// Keccak256 calculates the Keccak-256 hash of the given data.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Keccak256Hash calculates Keccak-256 and returns it as a types.Hash.
func Keccak256Hash(data ...[]byte) types.Hash {
	return types.BytesToHash(Keccak256(data...))
}

// HashToFieldSize hashes the concatenated inputs with Keccak-256 and zeroes
// the most significant byte so the digest lies in the BN254 scalar field.
func HashToFieldSize(data ...[]byte) types.Hash {
	h := Keccak256Hash(data...)
	h[0] = 0
	return h
}

// HashvToFieldSize is HashToFieldSize with FieldBump appended after the
// inputs. The on-ledger address derivation uses this exact layout.
func HashvToFieldSize(data ...[]byte) types.Hash {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	d.Write([]byte{FieldBump})
	var h types.Hash
	d.Sum(h[:0])
	h[0] = 0
	return h
}
