package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"anchorid/internal/identity"
	"anchorid/internal/profile/models"
	"anchorid/pkg/platform/sentinel"
)

const pointerKeyPrefix = "profile:ptr:"

// putPointer refuses to replace an erased pointer with a live one.
var putPointer = redis.NewScript(`
if redis.call("HGET", KEYS[1], "erased") == "1" and ARGV[2] == "0" then
  return 0
end
redis.call("HSET", KEYS[1], "content_id", ARGV[1], "erased", ARGV[2], "updated_at", ARGV[3])
return 1
`)

// RedisPointerStore keeps pointers in one Redis hash per subject.
type RedisPointerStore struct {
	client *redis.Client
}

func NewRedisPointerStore(client *redis.Client) *RedisPointerStore {
	return &RedisPointerStore{client: client}
}

func pointerKey(subject identity.Address) string {
	return pointerKeyPrefix + subject.String()
}

func (s *RedisPointerStore) Get(ctx context.Context, subject identity.Address) (*models.Pointer, error) {
	fields, err := s.client.HGetAll(ctx, pointerKey(subject)).Result()
	if err != nil {
		return nil, fmt.Errorf("read profile pointer: %w", err)
	}
	if len(fields) == 0 {
		return nil, sentinel.ErrNotFound
	}
	p := &models.Pointer{
		ContentID: fields["content_id"],
		Erased:    fields["erased"] == "1",
	}
	if ts, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		p.UpdatedAt = time.UnixMilli(ts).UTC()
	}
	return p, nil
}

func (s *RedisPointerStore) Put(ctx context.Context, subject identity.Address, p models.Pointer) error {
	erased := "0"
	if p.Erased {
		erased = "1"
	}
	res, err := putPointer.Run(ctx, s.client, []string{pointerKey(subject)},
		p.ContentID, erased, strconv.FormatInt(p.UpdatedAt.UnixMilli(), 10),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("write profile pointer: %w", err)
	}
	if res == 0 {
		return sentinel.ErrErased
	}
	return nil
}
