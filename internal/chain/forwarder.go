package chain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"anchorid/internal/identity"
	"anchorid/internal/signing"
)

const (
	eip712DomainType   = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	forwardRequestType = "ForwardRequest(address from,address to,uint256 value,uint256 gas,uint256 nonce,uint48 deadline,bytes data)"
)

// ForwardRequest is an ERC-2771 meta-transaction signed by From and submitted by a sponsor.
type ForwardRequest struct {
	From     identity.Address `json:"from"`
	To       identity.Address `json:"to"`
	Value    *big.Int         `json:"value"`
	Gas      uint64           `json:"gas"`
	Nonce    uint64           `json:"nonce"`
	Deadline uint64           `json:"deadline"`
	Data     []byte           `json:"data"`
}

// Domain is the forwarder's EIP-712 signing domain.
type Domain struct {
	Name              string           `json:"name"`
	Version           string           `json:"version"`
	ChainID           *big.Int         `json:"chainId"`
	VerifyingContract identity.Address `json:"verifyingContract"`
}

// Separator is the EIP-712 domain separator.
func (d Domain) Separator() []byte {
	return signing.Keccak256(
		signing.Keccak256([]byte(eip712DomainType)),
		signing.Keccak256([]byte(d.Name)),
		signing.Keccak256([]byte(d.Version)),
		uintWord(d.ChainID),
		addressWord(d.VerifyingContract),
	)
}

// StructHash is hashStruct(ForwardRequest). The dynamic data field contributes keccak256(data).
func (r ForwardRequest) StructHash() []byte {
	return signing.Keccak256(
		signing.Keccak256([]byte(forwardRequestType)),
		addressWord(r.From),
		addressWord(r.To),
		uintWord(r.Value),
		uint64Word(r.Gas),
		uint64Word(r.Nonce),
		uint64Word(r.Deadline),
		signing.Keccak256(r.Data),
	)
}

// Digest is the EIP-712 hash that From signs.
func (r ForwardRequest) Digest(d Domain) []byte {
	return signing.TypedDataHash(d.Separator(), r.StructHash())
}

// RecoverSigner recovers the account that signed r under d.
func (r ForwardRequest) RecoverSigner(d Domain, sig []byte) (identity.Address, error) {
	return signing.RecoverAddress(r.Digest(d), sig)
}

type forwardRequestJSON struct {
	From     identity.Address `json:"from"`
	To       identity.Address `json:"to"`
	Value    string           `json:"value"`
	Gas      uint64           `json:"gas"`
	Nonce    uint64           `json:"nonce"`
	Deadline uint64           `json:"deadline"`
	Data     string           `json:"data"`
}

// MarshalJSON encodes data as 0x-hex and value as a decimal string.
func (r ForwardRequest) MarshalJSON() ([]byte, error) {
	value := "0"
	if r.Value != nil {
		value = r.Value.String()
	}
	return json.Marshal(forwardRequestJSON{
		From:     r.From,
		To:       r.To,
		Value:    value,
		Gas:      r.Gas,
		Nonce:    r.Nonce,
		Deadline: r.Deadline,
		Data:     EncodeHex(r.Data),
	})
}

// UnmarshalJSON accepts the form produced by MarshalJSON. Addresses are canonicalised.
func (r *ForwardRequest) UnmarshalJSON(b []byte) error {
	var raw forwardRequestJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	from, err := identity.Parse(string(raw.From))
	if err != nil {
		return fmt.Errorf("from: %w", err)
	}
	to, err := identity.Parse(string(raw.To))
	if err != nil {
		return fmt.Errorf("to: %w", err)
	}
	value := new(big.Int)
	if raw.Value != "" {
		if _, ok := value.SetString(raw.Value, 10); !ok {
			return fmt.Errorf("value: invalid decimal %q", raw.Value)
		}
	}
	var data []byte
	if raw.Data != "" {
		if data, err = DecodeHex(raw.Data); err != nil {
			return fmt.Errorf("data: %w", err)
		}
	}
	*r = ForwardRequest{
		From:     from,
		To:       to,
		Value:    value,
		Gas:      raw.Gas,
		Nonce:    raw.Nonce,
		Deadline: raw.Deadline,
		Data:     data,
	}
	return nil
}
