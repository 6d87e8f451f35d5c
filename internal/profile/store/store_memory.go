// Package store holds the profile pointer index: subject to current profile content.
package store

import (
	"context"
	"sync"

	"anchorid/internal/identity"
	"anchorid/internal/profile/models"
	"anchorid/pkg/platform/sentinel"
)

// InMemoryPointerStore is the dev and test pointer index.
type InMemoryPointerStore struct {
	mu       sync.RWMutex
	pointers map[identity.Address]models.Pointer
}

func NewInMemoryPointerStore() *InMemoryPointerStore {
	return &InMemoryPointerStore{pointers: make(map[identity.Address]models.Pointer)}
}

func (s *InMemoryPointerStore) Get(_ context.Context, subject identity.Address) (*models.Pointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pointers[subject]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &p, nil
}

// Put replaces the pointer. An erased pointer is terminal and is never overwritten
// by a live one.
func (s *InMemoryPointerStore) Put(_ context.Context, subject identity.Address, p models.Pointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pointers[subject]; ok && cur.Erased && !p.Erased {
		return sentinel.ErrErased
	}
	s.pointers[subject] = p
	return nil
}
