//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStore_TagInvalidation(t *testing.T) {
	client := newRedisClient(t)
	c := New(NewRedisStore(client, "test:", nil), nil, nil, nil)
	ctx := context.Background()

	var calls int32
	_, before, err := c.WithCache(ctx, "analytics:summary", time.Minute, countingLoader(&calls, "v1"), "analytics")
	require.NoError(t, err)
	_, hit, err := c.WithCache(ctx, "analytics:summary", time.Minute, countingLoader(&calls, "v1"), "analytics")
	require.NoError(t, err)
	assert.True(t, hit.Hit)

	require.NoError(t, c.InvalidateTag(ctx, "analytics"))

	v, after, err := c.WithCache(ctx, "analytics:summary", time.Minute, countingLoader(&calls, "v2"), "analytics")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))
	assert.NotEqual(t, before.ETag, after.ETag)
	assert.Equal(t, int32(2), calls)

	ttl, err := client.TTL(ctx, "test:t:analytics").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "tag sets expire")
}

func TestRedisStore_ExpiryAndDelete(t *testing.T) {
	client := newRedisClient(t)
	s := NewRedisStore(client, "test:", nil)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.Set(ctx, &Entry{Key: "k", Value: []byte("v"), ETag: "e", StoredAt: now, ExpiresAt: now.Add(200 * time.Millisecond)}))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got.Value))

	time.Sleep(300 * time.Millisecond)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, s.Set(ctx, &Entry{Key: "d", Value: []byte("v"), ExpiresAt: time.Now().Add(time.Minute)}))
	require.NoError(t, s.Delete(ctx, "d"))
	_, err = s.Get(ctx, "d")
	assert.ErrorIs(t, err, ErrMiss)
}
