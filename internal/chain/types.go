// Package chain is the port to the append-only ledger holding claim anchors.
// The ledger is treated as an opaque key-value store with atomic transactions
// and a global order.
package chain

import (
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"anchorid/internal/identity"
	"anchorid/internal/signing"
)

// Hash is a 32-byte Keccak digest or storage word.
type Hash [32]byte

// ZeroHash is the unset storage value.
var ZeroHash Hash

// Keccak hashes the concatenation of data.
func Keccak(data ...[]byte) Hash {
	return BytesToHash(signing.Keccak256(data...))
}

// BytesToHash left-pads or truncates b into a Hash.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > len(h) {
		b = b[len(b)-len(h):]
	}
	copy(h[len(h)-len(b):], b)
	return h
}

// HexToHash parses a 0x-prefixed 32-byte hex string.
func HexToHash(s string) (Hash, error) {
	b, err := DecodeHex(s)
	if err != nil {
		return ZeroHash, err
	}
	if len(b) != 32 {
		return ZeroHash, errors.New("hash must be 32 bytes")
	}
	return BytesToHash(b), nil
}

func (h Hash) Hex() string    { return EncodeHex(h[:]) }
func (h Hash) String() string { return h.Hex() }
func (h Hash) IsZero() bool   { return h == ZeroHash }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HexToHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// EncodeHex renders b as 0x-prefixed lowercase hex.
func EncodeHex(b []byte) string { return "0x" + hex.EncodeToString(b) }

// DecodeHex parses 0x-prefixed hex. An empty payload decodes to an empty slice.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, errors.New("hex string must be 0x-prefixed")
	}
	return hex.DecodeString(s[2:])
}

// Call is an encoded contract invocation: the {to, data} pair an external signer
// or the settlement layer turns into a transaction.
type Call struct {
	Method string
	To     identity.Address
	Data   []byte
	Value  *big.Int
}

// CallMsg is a read-only invocation.
type CallMsg struct {
	From identity.Address
	To   identity.Address
	Data []byte
}

// Receipt status values.
const (
	ReceiptStatusFailed    uint64 = 0
	ReceiptStatusSucceeded uint64 = 1
)

// Receipt describes a mined transaction.
type Receipt struct {
	TxHash       Hash   `json:"txHash"`
	Status       uint64 `json:"status"`
	BlockNumber  uint64 `json:"blockNumber"`
	GasUsed      uint64 `json:"gasUsed"`
	RevertReason string `json:"revertReason,omitempty"`
}

func (r *Receipt) Succeeded() bool { return r != nil && r.Status == ReceiptStatusSucceeded }
