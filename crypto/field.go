package crypto

import (
	"github.com/cpswap/cpswap/core/types"
	"github.com/holiman/uint256"
)

// bn254ScalarModulus is the order r of the BN254 scalar field.
var bn254ScalarModulus = uint256.MustFromHex("0x30644e72e131a029b85045b68181585d2833e84879b9709143e1f593f0000001")

// InScalarField reports whether h, read big-endian, is a canonical BN254
// scalar (strictly less than r).
func InScalarField(h types.Hash) bool {
	v := new(uint256.Int).SetBytes32(h[:])
	return v.Lt(bn254ScalarModulus)
}

// ScalarModulus returns a copy of the BN254 scalar field order.
func ScalarModulus() *uint256.Int {
	return new(uint256.Int).Set(bn254ScalarModulus)
}
