//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"anchorid/internal/identity"
	"anchorid/internal/profile/models"
	"anchorid/internal/profile/store"
	"anchorid/pkg/platform/sentinel"
	"anchorid/pkg/testutil/containers"
)

type RedisPointerSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *store.RedisPointerStore
}

func TestRedisPointerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisPointerSuite))
}

func (s *RedisPointerSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = store.NewRedisPointerStore(s.redis.Client)
}

func (s *RedisPointerSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisPointerSuite) TestRoundTripAndTerminalErasure() {
	ctx := context.Background()
	subject := identity.MustParse("0x5555555555555555555555555555555555555555")
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := s.store.Get(ctx, subject)
	s.ErrorIs(err, sentinel.ErrNotFound)

	s.Require().NoError(s.store.Put(ctx, subject, models.Pointer{ContentID: "bafy1", UpdatedAt: now}))
	got, err := s.store.Get(ctx, subject)
	s.Require().NoError(err)
	s.Equal("bafy1", got.ContentID)
	s.Equal(now, got.UpdatedAt)

	s.Require().NoError(s.store.Put(ctx, subject, models.Pointer{ContentID: "tomb", Erased: true, UpdatedAt: now}))
	s.ErrorIs(s.store.Put(ctx, subject, models.Pointer{ContentID: "bafy2", UpdatedAt: now}), sentinel.ErrErased)

	got, err = s.store.Get(ctx, subject)
	s.Require().NoError(err)
	s.True(got.Erased)
}
