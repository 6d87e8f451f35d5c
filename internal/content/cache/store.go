// Package cache is a Redis read-through decorator for content stores. Content is
// immutable under its identifier, so entries only leave the cache on Unpin or TTL.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"anchorid/internal/content"
)

const keyPrefix = "content:doc:"

// Store wraps a content.Store with a Redis cache.
type Store struct {
	next   content.Store
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func New(next content.Store, client *redis.Client, opts ...Option) *Store {
	s := &Store{next: next, client: client, ttl: 24 * time.Hour, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Put writes through and primes the cache.
func (s *Store) Put(ctx context.Context, doc any) (content.ID, error) {
	id, err := s.next.Put(ctx, doc)
	if err != nil {
		return "", err
	}
	if b, encErr := content.Encode(doc); encErr == nil {
		s.remember(ctx, id, b)
	}
	return id, nil
}

// Get serves from Redis when possible. Concurrent misses for one id share a single backend fetch.
func (s *Store) Get(ctx context.Context, id content.ID, opts ...content.GetOption) ([]byte, error) {
	b, err := s.client.Get(ctx, keyPrefix+string(id)).Bytes()
	if err == nil {
		content.IncCacheLookup(true)
		return b, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.logger.WarnContext(ctx, "content cache read failed", "content_id", id, "error", err)
	}
	content.IncCacheLookup(false)

	v, err, _ := s.group.Do(string(id), func() (any, error) {
		doc, err := s.next.Get(ctx, id, opts...)
		if err != nil {
			return nil, err
		}
		s.remember(ctx, id, doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte{}, v.([]byte)...), nil
}

// Unpin evicts the cached copy and releases the backend pin.
func (s *Store) Unpin(ctx context.Context, id content.ID) (bool, error) {
	if err := s.client.Del(ctx, keyPrefix+string(id)).Err(); err != nil {
		s.logger.WarnContext(ctx, "content cache evict failed", "content_id", id, "error", err)
	}
	return s.next.Unpin(ctx, id)
}

func (s *Store) remember(ctx context.Context, id content.ID, b []byte) {
	if err := s.client.Set(ctx, keyPrefix+string(id), b, s.ttl).Err(); err != nil {
		s.logger.WarnContext(ctx, "content cache write failed", "content_id", id, "error", err)
	}
}

var _ content.Store = (*Store)(nil)
