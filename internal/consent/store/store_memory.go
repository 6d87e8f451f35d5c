// Package store persists consent records in memory or PostgreSQL.
package store

import (
	"context"
	"sync"
	"time"

	"anchorid/internal/consent/models"
	"anchorid/internal/identity"
	"anchorid/pkg/platform/sentinel"
)

// InMemoryStore keeps records in insertion order.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []*models.Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Insert(_ context.Context, record *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.records = append(s.records, &cp)
	return nil
}

func (s *InMemoryStore) FindActiveByKey(_ context.Context, key models.Key, now time.Time) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.Key() == key && r.IsActive(now) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) FindActive(_ context.Context, subject, claimID, purpose, scope string, now time.Time) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Record
	for _, r := range s.records {
		if r.Subject == subject && r.ClaimID == claimID && r.Purpose == purpose && r.Context == scope && r.IsActive(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Revoke(_ context.Context, filter models.Filter, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if filter.Matches(r) && r.IsActive(now) {
			revokedAt := now
			r.RevokedAt = &revokedAt
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListBySubject(_ context.Context, subject string) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Record
	for _, r := range s.records {
		if r.Subject == subject {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// EraseSubject revokes active records and replaces identifying fields with identity.Erased.
func (s *InMemoryStore) EraseSubject(_ context.Context, subject string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.Subject != subject {
			continue
		}
		if r.RevokedAt == nil {
			revokedAt := now
			r.RevokedAt = &revokedAt
		}
		r.Subject = identity.Erased
		if r.Verifier != "" {
			r.Verifier = identity.Erased
		}
		n++
	}
	return n, nil
}
