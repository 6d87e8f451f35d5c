// Package anchor reads and encodes the on-chain claim registry entries that bind
// a subject's claims to content commitments.
package anchor

import (
	"context"
	"fmt"

	"anchorid/internal/chain"
	"anchorid/internal/content"
	"anchorid/internal/identity"
)

const profileKeyPrefix = "profile:"

// ClaimKey derives the registry key for a claim identifier.
func ClaimKey(claimID string) chain.Hash {
	return chain.Keccak([]byte(claimID))
}

// ProfileKey derives the registry key under which a subject's profile pointer is anchored.
func ProfileKey(context string) chain.Hash {
	return chain.Keccak([]byte(profileKeyPrefix + context))
}

// Commitment is keccak256 over the content identifier string.
func Commitment(id content.ID) chain.Hash {
	return chain.Keccak([]byte(id))
}

// Store reads registry values and produces registry write calls.
type Store struct {
	client   chain.Client
	registry identity.Address
}

// New creates a Store for the registry contract at registry.
func New(client chain.Client, registry identity.Address) *Store {
	return &Store{client: client, registry: registry}
}

// Registry returns the registry contract address.
func (s *Store) Registry() identity.Address { return s.registry }

// Value returns the commitment stored under (subject, key). An unset entry is the zero hash.
func (s *Store) Value(ctx context.Context, subject identity.Address, key chain.Hash) (chain.Hash, error) {
	ret, err := s.client.Call(ctx, chain.CallMsg{
		To:   s.registry,
		Data: chain.EncodeGetClaim(subject, key),
	})
	if err != nil {
		return chain.ZeroHash, fmt.Errorf("read claim anchor: %w", err)
	}
	if len(ret) < 32 {
		return chain.ZeroHash, fmt.Errorf("read claim anchor: short return data (%d bytes)", len(ret))
	}
	return chain.BytesToHash(ret[:32]), nil
}

// WriteCall encodes setClaim(subject, key, value) against the registry.
func (s *Store) WriteCall(subject identity.Address, key, value chain.Hash) chain.Call {
	return chain.Call{
		Method: chain.SigSetClaim,
		To:     s.registry,
		Data:   chain.EncodeSetClaim(subject, key, value),
	}
}

// Verify reports whether the anchor for claimID commits to contentID.
func (s *Store) Verify(ctx context.Context, subject identity.Address, claimID string, contentID content.ID) (bool, error) {
	stored, err := s.Value(ctx, subject, ClaimKey(claimID))
	if err != nil {
		return false, err
	}
	return stored == Commitment(contentID), nil
}
