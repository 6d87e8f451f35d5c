// Package signing wraps secp256k1 recoverable signatures and Keccak hashing.
package signing

import (
	"encoding/hex"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec"

	"anchorid/internal/identity"
	dErrors "anchorid/pkg/domain-errors"
)

// PrivateKey is a secp256k1 signing key.
type PrivateKey struct {
	key *btcec.PrivateKey
}

// GenerateKey creates a fresh random key.
func GenerateKey() (*PrivateKey, error) {
	k, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: k}, nil
}

// ParsePrivateKey decodes a 32-byte hex key, with or without 0x prefix.
func ParsePrivateKey(raw string) (*PrivateKey, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, dErrors.New(dErrors.CodeValidation, "private key must be 32 hex-encoded bytes")
	}
	k, _ := btcec.PrivKeyFromBytes(btcec.S256(), b)
	return &PrivateKey{key: k}, nil
}

// Address derives the account controlled by this key.
func (k *PrivateKey) Address() identity.Address {
	return PubkeyToAddress(k.key.PubKey())
}

// Hex returns the 0x-prefixed hex encoding of the key.
func (k *PrivateKey) Hex() string {
	return "0x" + hex.EncodeToString(k.key.Serialize())
}

// Sign produces a 65-byte R‖S‖V signature (V in {27,28}) over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	compact, err := btcec.SignCompact(btcec.S256(), k.key, digest, false)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, SignatureLength)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return sig, nil
}

// SignPersonal signs msg under the EIP-191 personal message prefix.
func (k *PrivateKey) SignPersonal(msg []byte) ([]byte, error) {
	return k.Sign(PersonalMessageHash(msg))
}

// PubkeyToAddress keeps the last 20 bytes of keccak256 over the uncompressed point.
func PubkeyToAddress(pub *btcec.PublicKey) identity.Address {
	raw := pub.SerializeUncompressed()
	return identity.AddressFromBytes(Keccak256(raw[1:])[12:])
}

// Keyring holds the signing keys this process may issue under.
type Keyring struct {
	mu   sync.RWMutex
	keys map[identity.Address]*PrivateKey
}

func NewKeyring(keys ...*PrivateKey) *Keyring {
	kr := &Keyring{keys: make(map[identity.Address]*PrivateKey)}
	for _, k := range keys {
		kr.Add(k)
	}
	return kr
}

func (kr *Keyring) Add(k *PrivateKey) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[k.Address()] = k
}

// Signer returns the key for addr.
func (kr *Keyring) Signer(addr identity.Address) (*PrivateKey, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	k, ok := kr.keys[addr]
	return k, ok
}

// Addresses lists the accounts in the keyring.
func (kr *Keyring) Addresses() []identity.Address {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	out := make([]identity.Address, 0, len(kr.keys))
	for a := range kr.keys {
		out = append(out, a)
	}
	return out
}
