package signing

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec"

	"anchorid/internal/identity"
)

// SignatureLength is the R‖S‖V encoding length.
const SignatureLength = 65

// Recovery failure classes. Callers surface which one applied.
var (
	ErrSignatureFormat = errors.New("format")
	ErrNonCanonicalS   = errors.New("canonical-s")
	ErrUnrecoverable   = errors.New("recoverability")
)

var halfOrder = new(big.Int).Rsh(btcec.S256().N, 1)

// RecoveryError carries the failure class and a detail message.
type RecoveryError struct {
	Class  error
	Detail string
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("signature %s check failed: %s", e.Class, e.Detail)
}

func (e *RecoveryError) Unwrap() error { return e.Class }

// DecodeSignature parses a 0x-prefixed hex signature.
func DecodeSignature(raw string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, &RecoveryError{Class: ErrSignatureFormat, Detail: "signature is not hexadecimal"}
	}
	return b, nil
}

// EncodeSignature renders sig as 0x-prefixed hex.
func EncodeSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}

// RecoverAddress returns the account that produced sig over digest.
func RecoverAddress(digest, sig []byte) (identity.Address, error) {
	if len(sig) != SignatureLength {
		return "", &RecoveryError{Class: ErrSignatureFormat, Detail: fmt.Sprintf("expected %d bytes, got %d", SignatureLength, len(sig))}
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return "", &RecoveryError{Class: ErrSignatureFormat, Detail: fmt.Sprintf("recovery id %d out of range", sig[64])}
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if r.Sign() == 0 || s.Sign() == 0 {
		return "", &RecoveryError{Class: ErrNonCanonicalS, Detail: "zero r or s component"}
	}
	if s.Cmp(halfOrder) > 0 {
		return "", &RecoveryError{Class: ErrNonCanonicalS, Detail: "s is in the upper half of the curve order"}
	}

	compact := make([]byte, SignatureLength)
	compact[0] = 27 + v
	copy(compact[1:], sig[:64])
	pub, _, err := btcec.RecoverCompact(btcec.S256(), compact, digest)
	if err != nil {
		return "", &RecoveryError{Class: ErrUnrecoverable, Detail: err.Error()}
	}
	return PubkeyToAddress(pub), nil
}

// RecoverPersonal recovers the signer of an EIP-191 personal message.
func RecoverPersonal(msg, sig []byte) (identity.Address, error) {
	return RecoverAddress(PersonalMessageHash(msg), sig)
}

// FailureClass names the recovery check that failed, or "" for other errors.
func FailureClass(err error) string {
	var re *RecoveryError
	if errors.As(err, &re) {
		return re.Class.Error()
	}
	return ""
}
