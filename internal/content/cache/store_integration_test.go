//go:build integration

package cache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"anchorid/internal/content"
	"anchorid/internal/content/cache"
	"anchorid/internal/content/memory"
	"anchorid/internal/content/mocks"
	"anchorid/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCacheSuite) TestSecondReadServedFromRedis() {
	ctx := context.Background()
	ctrl := gomock.NewController(s.T())
	backend := mocks.NewMockStore(ctrl)
	backend.EXPECT().Get(gomock.Any(), content.ID("bafkreicached")).Return([]byte(`{"v":1}`), nil).Times(1)

	store := cache.New(backend, s.redis.Client)
	for i := 0; i < 3; i++ {
		b, err := store.Get(ctx, "bafkreicached")
		s.Require().NoError(err)
		s.JSONEq(`{"v":1}`, string(b))
	}
}

func (s *RedisCacheSuite) TestUnpinEvicts() {
	ctx := context.Background()
	store := cache.New(memory.New(), s.redis.Client)

	id, err := store.Put(ctx, map[string]int{"v": 2})
	s.Require().NoError(err)

	released, err := store.Unpin(ctx, id)
	s.Require().NoError(err)
	s.True(released)

	_, err = store.Get(ctx, id)
	s.ErrorIs(err, content.ErrNotFound)
}
