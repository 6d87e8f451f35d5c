package signing

import (
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Keccak256 hashes the concatenation of data with legacy Keccak-256.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}

// PersonalMessageHash applies the EIP-191 "personal_sign" prefix before hashing.
func PersonalMessageHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return Keccak256([]byte(prefix), msg)
}

// TypedDataHash is the EIP-712 digest keccak256(0x1901 ‖ domainSeparator ‖ structHash).
func TypedDataHash(domainSeparator, structHash []byte) []byte {
	return Keccak256([]byte{0x19, 0x01}, domainSeparator, structHash)
}
