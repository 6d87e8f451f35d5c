package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorid/internal/identity"
	"anchorid/internal/profile/models"
	"anchorid/pkg/platform/sentinel"
)

var subject = identity.MustParse("0x4444444444444444444444444444444444444444")

func TestInMemoryPointerStore(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryPointerStore()

	_, err := s.Get(ctx, subject)
	require.ErrorIs(t, err, sentinel.ErrNotFound)

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Put(ctx, subject, models.Pointer{ContentID: "bafy1", UpdatedAt: now}))
	require.NoError(t, s.Put(ctx, subject, models.Pointer{ContentID: "bafy2", UpdatedAt: now}))

	got, err := s.Get(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, "bafy2", got.ContentID)
	assert.False(t, got.Erased)

	require.NoError(t, s.Put(ctx, subject, models.Pointer{ContentID: "tomb", Erased: true, UpdatedAt: now}))
	err = s.Put(ctx, subject, models.Pointer{ContentID: "bafy3", UpdatedAt: now})
	require.ErrorIs(t, err, sentinel.ErrErased)

	got, err = s.Get(ctx, subject)
	require.NoError(t, err)
	assert.True(t, got.Erased)
	assert.Equal(t, "tomb", got.ContentID)
}
