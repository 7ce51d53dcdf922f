package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/you-humble/swapbot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStateStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStateStore(time.Hour)

	_, ok, err := s.Get(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	st := domain.ConversationState{
		Kind:  domain.KindVideoSwap,
		Stage: domain.StageAwaitingSecondary,
		Inputs: map[string]string{
			domain.SlotPrimary: "target.mp4",
		},
		DurationSeconds: 30,
		PrimaryMime:     "video/mp4",
	}
	require.NoError(t, s.Set(ctx, 42, st))

	got, ok, err := s.Get(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.KindVideoSwap, got.Kind)
	assert.Equal(t, domain.StageAwaitingSecondary, got.Stage)
	assert.Equal(t, "target.mp4", got.Inputs[domain.SlotPrimary])
	assert.Equal(t, 30, got.DurationSeconds)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestMemoryStateStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStateStore(time.Hour)

	require.NoError(t, s.Set(ctx, 1, domain.ConversationState{Kind: domain.KindPhotoSwap}))
	require.NoError(t, s.Delete(ctx, 1))

	_, ok, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting an absent entry is a no-op
	require.NoError(t, s.Delete(ctx, 1))
}

func TestMemoryStateStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStateStore(10 * time.Millisecond)

	require.NoError(t, s.Set(ctx, 7, domain.ConversationState{Kind: domain.KindImageEnhance}))

	time.Sleep(30 * time.Millisecond)

	_, ok, err := s.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStateStorePreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStateStore(time.Hour)

	created := time.Now().Add(-time.Minute)
	require.NoError(t, s.Set(ctx, 9, domain.ConversationState{
		Kind:      domain.KindPhotoSwap,
		CreatedAt: created,
	}))

	got, ok, err := s.Get(ctx, 9)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.CreatedAt.Equal(created))
}
