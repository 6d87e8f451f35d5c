// Package identity normalizes decentralized identifiers and raw account strings
// into canonical lowercase account addresses.
package identity

import (
	"encoding/hex"
	"strings"

	dErrors "anchorid/pkg/domain-errors"
)

// Erased replaces subject and verifier identifiers once a subject has been erased.
const Erased = "[ERASED]"

// AddressLength is the byte length of an account address.
const AddressLength = 20

// Address is a canonical lowercase 0x-prefixed 20-byte account.
type Address string

// Zero is the all-zero account.
const Zero Address = "0x0000000000000000000000000000000000000000"

// Parse accepts did:<method>:<account>, did:<method>:<network>:<account> or a raw
// 0x-prefixed account and returns its canonical form. Used on write paths where a
// malformed subject must fail the whole operation.
func Parse(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", dErrors.New(dErrors.CodeValidation, "identity is required")
	}

	account := trimmed
	if strings.HasPrefix(strings.ToLower(trimmed), "did:") {
		parts := strings.Split(trimmed, ":")
		if len(parts) < 3 || len(parts) > 4 {
			return "", dErrors.Newf(dErrors.CodeValidation, "identity %q is not a did:<method>:<account> identifier", trimmed)
		}
		for _, p := range parts[1:] {
			if p == "" {
				return "", dErrors.Newf(dErrors.CodeValidation, "identity %q has an empty segment", trimmed)
			}
		}
		account = parts[len(parts)-1]
	} else if strings.Contains(trimmed, ":") {
		return "", dErrors.Newf(dErrors.CodeValidation, "identity %q has an unsupported scheme", trimmed)
	}

	if !strings.HasPrefix(account, "0x") && !strings.HasPrefix(account, "0X") {
		return "", dErrors.Newf(dErrors.CodeValidation, "account %q must be 0x-prefixed", account)
	}
	hexPart := account[2:]
	if len(hexPart) != AddressLength*2 {
		return "", dErrors.Newf(dErrors.CodeValidation, "account %q must have %d hex characters", account, AddressLength*2)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", dErrors.Newf(dErrors.CodeValidation, "account %q is not hexadecimal", account)
	}
	return Address("0x" + strings.ToLower(hexPart)), nil
}

// Normalize is the read-path variant of Parse: it never errors and reports whether
// raw was a well-formed identity.
func Normalize(raw string) (Address, bool) {
	addr, err := Parse(raw)
	if err != nil {
		return "", false
	}
	return addr, true
}

// MustParse panics on malformed input. Intended for constants and tests.
func MustParse(raw string) Address {
	addr, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return addr
}

// AddressFromBytes builds an address from its 20 raw bytes. Longer inputs keep the
// trailing 20 bytes, matching how 32-byte ABI words carry addresses.
func AddressFromBytes(b []byte) Address {
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	buf := make([]byte, AddressLength)
	copy(buf[AddressLength-len(b):], b)
	return Address("0x" + hex.EncodeToString(buf))
}

func (a Address) String() string { return string(a) }

// DID renders the address as a did:ethr identifier.
func (a Address) DID() string { return "did:ethr:" + string(a) }

func (a Address) IsZero() bool { return a == "" || a == Zero }

// Bytes returns the 20 raw bytes, or nil for a malformed address.
func (a Address) Bytes() []byte {
	if len(a) != 2+AddressLength*2 {
		return nil
	}
	b, err := hex.DecodeString(string(a)[2:])
	if err != nil {
		return nil
	}
	return b
}

// Equal compares two identity strings case-insensitively after normalization.
func Equal(a, b string) bool {
	na, okA := Normalize(a)
	nb, okB := Normalize(b)
	if !okA || !okB {
		return false
	}
	return na == nb
}
