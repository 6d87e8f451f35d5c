package chain

import (
	"encoding/binary"
	"errors"
	"math/big"

	"anchorid/internal/identity"
	"anchorid/internal/signing"
)

// Transaction is an unsigned account transaction.
type Transaction struct {
	ChainID *big.Int
	Nonce   uint64
	To      identity.Address
	Value   *big.Int
	Gas     uint64
	Data    []byte
}

// SignedTransaction pairs a transaction with its sender's signature.
type SignedTransaction struct {
	Tx        Transaction
	Signature []byte
}

// encode is chainId ‖ nonce ‖ to ‖ value ‖ gas ‖ len(data) ‖ data.
func (t Transaction) encode() []byte {
	out := make([]byte, 0, 32+8+20+32+8+4+len(t.Data))
	out = append(out, uintWord(t.ChainID)...)
	out = binary.BigEndian.AppendUint64(out, t.Nonce)
	out = append(out, addressBytes(t.To)...)
	out = append(out, uintWord(t.Value)...)
	out = binary.BigEndian.AppendUint64(out, t.Gas)
	out = binary.BigEndian.AppendUint32(out, uint32(len(t.Data)))
	return append(out, t.Data...)
}

// SigningHash is the digest the sender signs.
func (t Transaction) SigningHash() []byte {
	return signing.Keccak256(t.encode())
}

// SignTx signs t with key.
func SignTx(t Transaction, key *signing.PrivateKey) (*SignedTransaction, error) {
	sig, err := key.Sign(t.SigningHash())
	if err != nil {
		return nil, err
	}
	return &SignedTransaction{Tx: t, Signature: sig}, nil
}

// Hash identifies the signed transaction.
func (s *SignedTransaction) Hash() Hash {
	return Keccak(s.Tx.encode(), s.Signature)
}

// Sender recovers the signing account.
func (s *SignedTransaction) Sender() (identity.Address, error) {
	return signing.RecoverAddress(s.Tx.SigningHash(), s.Signature)
}

// MarshalBinary is the raw wire form: encoded transaction followed by the 65-byte signature.
func (s *SignedTransaction) MarshalBinary() ([]byte, error) {
	return append(s.Tx.encode(), s.Signature...), nil
}

// UnmarshalBinary parses the MarshalBinary form.
func (s *SignedTransaction) UnmarshalBinary(b []byte) error {
	const fixed = 32 + 8 + 20 + 32 + 8 + 4
	if len(b) < fixed+signing.SignatureLength {
		return errors.New("chain: raw transaction too short")
	}
	var t Transaction
	t.ChainID = new(big.Int).SetBytes(b[0:32])
	t.Nonce = binary.BigEndian.Uint64(b[32:40])
	t.To = identity.AddressFromBytes(b[40:60])
	t.Value = new(big.Int).SetBytes(b[60:92])
	t.Gas = binary.BigEndian.Uint64(b[92:100])
	n := int(binary.BigEndian.Uint32(b[100:104]))
	if len(b) != fixed+n+signing.SignatureLength {
		return errors.New("chain: raw transaction length mismatch")
	}
	t.Data = append([]byte{}, b[fixed:fixed+n]...)
	s.Tx = t
	s.Signature = append([]byte{}, b[fixed+n:]...)
	return nil
}

func addressBytes(a identity.Address) []byte {
	b := a.Bytes()
	if b == nil {
		return make([]byte, identity.AddressLength)
	}
	return b
}
