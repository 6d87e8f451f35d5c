package chain

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"anchorid/internal/identity"
)

// Contract method signatures understood by the registry and forwarder.
const (
	SigSetClaim = "setClaim(address,bytes32,bytes32)"
	SigGetClaim = "getClaim(address,bytes32)"
	SigExecute  = "execute((address,address,uint256,uint256,uint256,uint48,bytes),bytes)"
	SigNonces   = "nonces(address)"
)

const wordSize = 32

var errShortCalldata = errors.New("chain: calldata too short")

// Selector returns the 4-byte function selector for a canonical signature.
func Selector(signature string) []byte {
	h := Keccak([]byte(signature))
	return h[:4]
}

// MethodOf returns the signature whose selector prefixes data, or "".
func MethodOf(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	for _, sig := range []string{SigSetClaim, SigGetClaim, SigExecute, SigNonces} {
		if bytes.Equal(data[:4], Selector(sig)) {
			return sig
		}
	}
	return ""
}

func addressWord(a identity.Address) []byte {
	w := make([]byte, wordSize)
	copy(w[12:], a.Bytes())
	return w
}

func uintWord(v *big.Int) []byte {
	w := make([]byte, wordSize)
	if v != nil {
		v.FillBytes(w)
	}
	return w
}

func uint64Word(v uint64) []byte {
	return uintWord(new(big.Int).SetUint64(v))
}

func padded(b []byte) []byte {
	n := (len(b) + wordSize - 1) / wordSize * wordSize
	out := make([]byte, n)
	copy(out, b)
	return out
}

func dynamicBytes(b []byte) []byte {
	return append(uint64Word(uint64(len(b))), padded(b)...)
}

// EncodeSetClaim builds calldata for setClaim(subject, key, value).
func EncodeSetClaim(subject identity.Address, key, value Hash) []byte {
	out := append([]byte{}, Selector(SigSetClaim)...)
	out = append(out, addressWord(subject)...)
	out = append(out, key[:]...)
	return append(out, value[:]...)
}

// EncodeGetClaim builds calldata for getClaim(subject, key).
func EncodeGetClaim(subject identity.Address, key Hash) []byte {
	out := append([]byte{}, Selector(SigGetClaim)...)
	out = append(out, addressWord(subject)...)
	return append(out, key[:]...)
}

// EncodeNonces builds calldata for nonces(account).
func EncodeNonces(account identity.Address) []byte {
	return append(append([]byte{}, Selector(SigNonces)...), addressWord(account)...)
}

// EncodeExecute builds calldata for execute(request, signature).
func EncodeExecute(req ForwardRequest, sig []byte) []byte {
	tuple := make([]byte, 0, 8*wordSize+len(req.Data))
	tuple = append(tuple, addressWord(req.From)...)
	tuple = append(tuple, addressWord(req.To)...)
	tuple = append(tuple, uintWord(req.Value)...)
	tuple = append(tuple, uint64Word(req.Gas)...)
	tuple = append(tuple, uint64Word(req.Nonce)...)
	tuple = append(tuple, uint64Word(req.Deadline)...)
	tuple = append(tuple, uint64Word(7*wordSize)...)
	tuple = append(tuple, dynamicBytes(req.Data)...)

	out := append([]byte{}, Selector(SigExecute)...)
	out = append(out, uint64Word(2*wordSize)...)
	out = append(out, uint64Word(uint64(2*wordSize+len(tuple)))...)
	out = append(out, tuple...)
	return append(out, dynamicBytes(sig)...)
}

// DecodeSetClaim unpacks setClaim calldata.
func DecodeSetClaim(data []byte) (identity.Address, Hash, Hash, error) {
	args, err := argWords(data, SigSetClaim, 3)
	if err != nil {
		return "", ZeroHash, ZeroHash, err
	}
	return identity.AddressFromBytes(args[0]), BytesToHash(args[1]), BytesToHash(args[2]), nil
}

// DecodeGetClaim unpacks getClaim calldata.
func DecodeGetClaim(data []byte) (identity.Address, Hash, error) {
	args, err := argWords(data, SigGetClaim, 2)
	if err != nil {
		return "", ZeroHash, err
	}
	return identity.AddressFromBytes(args[0]), BytesToHash(args[1]), nil
}

// DecodeNonces unpacks nonces calldata.
func DecodeNonces(data []byte) (identity.Address, error) {
	args, err := argWords(data, SigNonces, 1)
	if err != nil {
		return "", err
	}
	return identity.AddressFromBytes(args[0]), nil
}

// DecodeExecute unpacks execute calldata.
func DecodeExecute(data []byte) (ForwardRequest, []byte, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], Selector(SigExecute)) {
		return ForwardRequest{}, nil, fmt.Errorf("chain: calldata is not %s", SigExecute)
	}
	body := data[4:]
	tupleOff, err := wordAt(body, 0)
	if err != nil {
		return ForwardRequest{}, nil, err
	}
	sigOff, err := wordAt(body, wordSize)
	if err != nil {
		return ForwardRequest{}, nil, err
	}

	t := int(tupleOff.Uint64())
	var req ForwardRequest
	fields := make([]*big.Int, 7)
	for i := range fields {
		if fields[i], err = wordAt(body, t+i*wordSize); err != nil {
			return ForwardRequest{}, nil, err
		}
	}
	req.From = identity.AddressFromBytes(fields[0].Bytes())
	req.To = identity.AddressFromBytes(fields[1].Bytes())
	req.Value = fields[2]
	req.Gas = fields[3].Uint64()
	req.Nonce = fields[4].Uint64()
	req.Deadline = fields[5].Uint64()
	if req.Data, err = bytesAt(body, t+int(fields[6].Uint64())); err != nil {
		return ForwardRequest{}, nil, err
	}
	sig, err := bytesAt(body, int(sigOff.Uint64()))
	if err != nil {
		return ForwardRequest{}, nil, err
	}
	return req, sig, nil
}

// DecodeUint parses a single uint256 return word.
func DecodeUint(ret []byte) (*big.Int, error) {
	return wordAt(ret, 0)
}

func argWords(data []byte, sig string, n int) ([][]byte, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], Selector(sig)) {
		return nil, fmt.Errorf("chain: calldata is not %s", sig)
	}
	body := data[4:]
	if len(body) < n*wordSize {
		return nil, errShortCalldata
	}
	out := make([][]byte, n)
	for i := range out {
		out[i] = body[i*wordSize : (i+1)*wordSize]
	}
	return out, nil
}

func wordAt(b []byte, off int) (*big.Int, error) {
	if off < 0 || off+wordSize > len(b) {
		return nil, errShortCalldata
	}
	return new(big.Int).SetBytes(b[off : off+wordSize]), nil
}

func bytesAt(b []byte, off int) ([]byte, error) {
	length, err := wordAt(b, off)
	if err != nil {
		return nil, err
	}
	start := off + wordSize
	end := start + int(length.Uint64())
	if !length.IsUint64() || end > len(b) || end < start {
		return nil, errShortCalldata
	}
	return append([]byte{}, b[start:end]...), nil
}
