package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(clock *fakeClock, key string, tags ...string) *Entry {
	return &Entry{Key: key, Value: []byte(key), ETag: key, StoredAt: clock.Now(), ExpiresAt: clock.Now().Add(time.Hour), Tags: tags}
}

func TestMemoryStore_LRUBoundUpdatesTagIndex(t *testing.T) {
	clock := newFakeClock()
	s, err := NewMemoryStore(2, clock)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, entry(clock, "a", "materials")))
	require.NoError(t, s.Set(ctx, entry(clock, "b", "materials")))
	_, err = s.Get(ctx, "a") // a becomes most recently used
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, entry(clock, "c", "analytics")))

	assert.Equal(t, 2, s.Len())
	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrMiss, "least recently used key is evicted")

	n, err := s.InvalidateTag(ctx, "materials")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "evicted key left the tag index")
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = s.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestMemoryStore_ReplaceRetags(t *testing.T) {
	clock := newFakeClock()
	s, err := NewMemoryStore(10, clock)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, entry(clock, "k", "old")))
	require.NoError(t, s.Set(ctx, entry(clock, "k", "new")))

	n, err := s.InvalidateTag(ctx, "old")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = s.Get(ctx, "k")
	assert.NoError(t, err)

	n, err = s.InvalidateTag(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_ExpiredEntryRemovedOnRead(t *testing.T) {
	clock := newFakeClock()
	s, err := NewMemoryStore(10, clock)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, entry(clock, "k", "t")))
	clock.Advance(time.Hour)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
	assert.Zero(t, s.Len())
	n, _ := s.InvalidateTag(ctx, "t")
	assert.Zero(t, n)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	clock := newFakeClock()
	s, err := NewMemoryStore(10, clock)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, entry(clock, "k")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	got.ETag = "mutated"

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "k", again.ETag)
}

func TestNewMemoryStore_RejectsZeroSize(t *testing.T) {
	_, err := NewMemoryStore(0, nil)
	assert.Error(t, err)
}
