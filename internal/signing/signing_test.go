package signing

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorid/internal/identity"
)

// Well-known vector: private key 1 controls 0x7e5f4552091a69125d5dfcb7b8c2659029395bdf.
const keyOne = "0x0000000000000000000000000000000000000000000000000000000000000001"

func TestAddressDerivation(t *testing.T) {
	k, err := ParsePrivateKey(keyOne)
	require.NoError(t, err)
	assert.Equal(t, identity.Address("0x7e5f4552091a69125d5dfcb7b8c2659029395bdf"), k.Address())
	assert.Equal(t, keyOne, k.Hex())
}

func TestKeccakVector(t *testing.T) {
	assert.Equal(t,
		"c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		hex.EncodeToString(Keccak256()))
}

func TestSignAndRecover(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte(`{"claim":"value"}`)
	sig, err := k.SignPersonal(msg)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)

	got, err := RecoverPersonal(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, k.Address(), got)

	other, err := RecoverPersonal([]byte("tampered"), sig)
	if err == nil {
		assert.NotEqual(t, k.Address(), other)
	}
}

func TestRecoverClassifiesFailures(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)
	digest := Keccak256([]byte("payload"))
	sig, err := k.Sign(digest)
	require.NoError(t, err)

	t.Run("format", func(t *testing.T) {
		_, err := RecoverAddress(digest, sig[:64])
		require.ErrorIs(t, err, ErrSignatureFormat)
		assert.Equal(t, "format", FailureClass(err))
	})

	t.Run("bad recovery id", func(t *testing.T) {
		bad := append([]byte{}, sig...)
		bad[64] = 35
		_, err := RecoverAddress(digest, bad)
		require.ErrorIs(t, err, ErrSignatureFormat)
	})

	t.Run("canonical-s", func(t *testing.T) {
		bad := append([]byte{}, sig...)
		s := new(big.Int).SetBytes(bad[32:64])
		high := new(big.Int).Sub(btcec.S256().N, s)
		high.FillBytes(bad[32:64])
		_, err := RecoverAddress(digest, bad)
		require.ErrorIs(t, err, ErrNonCanonicalS)
		assert.Equal(t, "canonical-s", FailureClass(err))
	})

	t.Run("recoverability", func(t *testing.T) {
		bad := append([]byte{}, sig...)
		for i := 0; i < 32; i++ {
			bad[i] = 0xff
		}
		_, err := RecoverAddress(digest, bad)
		require.ErrorIs(t, err, ErrUnrecoverable)
	})
}

func TestKeyring(t *testing.T) {
	k, err := ParsePrivateKey(keyOne)
	require.NoError(t, err)
	kr := NewKeyring(k)

	got, ok := kr.Signer(k.Address())
	require.True(t, ok)
	assert.Equal(t, k.Hex(), got.Hex())

	_, ok = kr.Signer(identity.Zero)
	assert.False(t, ok)
	assert.Len(t, kr.Addresses(), 1)
}

func TestSignatureHexRoundTrip(t *testing.T) {
	raw := []byte{0x01, 0xab}
	decoded, err := DecodeSignature(EncodeSignature(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	_, err = DecodeSignature("0xzz")
	assert.ErrorIs(t, err, ErrSignatureFormat)
}
