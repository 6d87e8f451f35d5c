package service

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	dErrors "anchorid/pkg/domain-errors"
)

// ConsentStoreTx provides a transactional boundary for consent store mutations.
// Implementations may wrap a database transaction or, in-memory, a sharded lock.
// fn receives a context that downstream stores use to join the transaction.
type ConsentStoreTx interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, store Store) error) error
}

// numConsentShards spreads subjects across independent locks.
const numConsentShards = 128

// DefaultTxTimeout is the maximum duration for a consent transaction.
const DefaultTxTimeout = 5 * time.Second

type shardedConsentTx struct {
	shards  [numConsentShards]sync.Mutex
	store   Store
	timeout time.Duration
}

// NewShardedTx serializes mutations per subject with an in-process lock.
func NewShardedTx(store Store) ConsentStoreTx {
	return &shardedConsentTx{store: store}
}

func (t *shardedConsentTx) RunInTx(ctx context.Context, fn func(ctx context.Context, store Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = DefaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shard := shardFor(LockKey(ctx))
	t.shards[shard].Lock()
	defer t.shards[shard].Unlock()

	// The lock may have been contended past the deadline.
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	return fn(ctx, t.store)
}

// shardFor maps a lock key to a shard; an empty key uses shard 0.
func shardFor(key string) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % numConsentShards)
}

type lockKeyCtx struct{}

// WithLockKey names the serialization key for the next RunInTx.
func WithLockKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, lockKeyCtx{}, key)
}

// LockKey returns the serialization key, or "".
func LockKey(ctx context.Context) string {
	if key, ok := ctx.Value(lockKeyCtx{}).(string); ok {
		return key
	}
	return ""
}
