// Package memory is an in-process content store producing real CIDv1 identifiers.
package memory

import (
	"context"
	"sync"
	"time"

	"anchorid/internal/content"
)

// Store keeps pinned documents in a map.
type Store struct {
	mu   sync.RWMutex
	docs map[content.ID][]byte
}

func New() *Store {
	return &Store{docs: make(map[content.ID][]byte)}
}

func (s *Store) Put(_ context.Context, doc any) (id content.ID, err error) {
	defer func(start time.Time) { content.ObserveOp("memory", "put", start, err) }(time.Now())

	b, err := content.Encode(doc)
	if err != nil {
		return "", err
	}
	if id, err = content.ComputeID(b); err != nil {
		return "", content.NewStoreError(content.CategoryBadData, "compute content id", err)
	}
	s.mu.Lock()
	s.docs[id] = append([]byte{}, b...)
	s.mu.Unlock()
	return id, nil
}

func (s *Store) Get(_ context.Context, id content.ID, _ ...content.GetOption) (b []byte, err error) {
	defer func(start time.Time) { content.ObserveOp("memory", "get", start, err) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, content.ErrNotFound
	}
	return append([]byte{}, doc...), nil
}

// Unpin drops the document, as garbage collection would after an unpin.
func (s *Store) Unpin(_ context.Context, id content.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return false, nil
	}
	delete(s.docs, id)
	return true, nil
}

// Len reports how many documents are held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

var _ content.Store = (*Store)(nil)
