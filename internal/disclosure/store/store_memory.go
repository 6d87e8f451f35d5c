// Package store persists disclosure records in memory or PostgreSQL.
package store

import (
	"context"
	"sync"

	"anchorid/internal/disclosure/models"
	"anchorid/internal/identity"
)

// InMemoryStore is an append-only record log.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []models.Record
	failErr error
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// FailWith makes every subsequent call return err. Passing nil restores normal operation.
func (s *InMemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *InMemoryStore) Append(_ context.Context, r *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.records = append(s.records, *r)
	return nil
}

func (s *InMemoryStore) ListBySubject(_ context.Context, subject string) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make([]*models.Record, 0)
	for i := range s.records {
		if s.records[i].Subject == subject {
			cp := s.records[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AnonymizeSubject redacts identifying fields of every record about subject
// and reports how many rows changed.
func (s *InMemoryStore) AnonymizeSubject(_ context.Context, subject string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	var n int
	for i := range s.records {
		if s.records[i].Subject != subject {
			continue
		}
		s.records[i].Subject = identity.Erased
		s.records[i].Verifier = identity.Erased
		s.records[i].ClaimID = identity.Erased
		n++
	}
	return n, nil
}

// Len returns the number of stored records, anonymized ones included.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
