package content

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

const (
	cidVersion1 = 0x01
	codecRaw    = 0x55
	rawPrefix   = "bafkrei"
)

// ComputeID derives the CIDv1 (raw codec, sha2-256, base32) for b. It matches
// what an IPFS node assigns to a single-block upload with raw leaves.
func ComputeID(b []byte) (ID, error) {
	mh, err := multihash.Sum(b, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	s, err := multibase.Encode(multibase.Base32, append([]byte{cidVersion1, codecRaw}, mh...))
	if err != nil {
		return "", err
	}
	return ID(s), nil
}

// Matches reports whether b hashes to id. Identifiers that are not raw sha2-256
// CIDs cannot be checked locally and are accepted.
func Matches(id ID, b []byte) bool {
	if !strings.HasPrefix(string(id), rawPrefix) {
		return true
	}
	computed, err := ComputeID(b)
	return err == nil && computed == id
}

// ValidateID checks that id is shaped like a CID: a base58 CIDv0 multihash, or
// a multibase CIDv1 carrying a version, a codec and a well-formed multihash.
// Failures are CategoryBadData.
func ValidateID(id ID) error {
	s := string(id)
	if strings.HasPrefix(s, "Qm") {
		if _, err := multihash.FromB58String(s); err != nil {
			return NewStoreError(CategoryBadData, "malformed content id", err)
		}
		return nil
	}
	_, raw, err := multibase.Decode(s)
	if err != nil {
		return NewStoreError(CategoryBadData, "malformed content id", err)
	}
	version, n := binary.Uvarint(raw)
	if n <= 0 || version != cidVersion1 {
		return NewStoreError(CategoryBadData, "malformed content id", errors.New("unsupported cid version"))
	}
	raw = raw[n:]
	if _, n = binary.Uvarint(raw); n <= 0 {
		return NewStoreError(CategoryBadData, "malformed content id", errors.New("missing codec"))
	}
	if _, err := multihash.Cast(raw[n:]); err != nil {
		return NewStoreError(CategoryBadData, "malformed content id", err)
	}
	return nil
}
