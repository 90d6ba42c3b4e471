package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopfloor/internal/cache"
	"shopfloor/internal/config"
	"shopfloor/internal/export"
	"shopfloor/internal/queue"
	"shopfloor/internal/types"
)

func TestRetryPolicy(t *testing.T) {
	p := retryPolicy(config.QueueConfig{MaxAttempts: 7, BackoffBase: 2 * time.Second, BackoffMax: time.Minute})
	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.BaseDelay)
	assert.Equal(t, time.Minute, p.MaxDelay)
	assert.Equal(t, queue.DefaultRetryPolicy.BackoffFactor, p.BackoffFactor)

	assert.Equal(t, queue.DefaultRetryPolicy, retryPolicy(config.QueueConfig{}))
}

func TestNewObjectStore_WithoutBucketStaysInProcess(t *testing.T) {
	store, err := newObjectStore(context.Background(), config.AWSConfig{Region: "us-east-1"}, "")
	require.NoError(t, err)
	assert.IsType(t, &export.MemoryObjectStore{}, store)
}

func TestNewCacheStore_DefaultsToMemory(t *testing.T) {
	rt := &Runtime{cfg: &config.Config{Cache: config.CacheConfig{MaxEntries: 10}}}

	store, err := rt.newCacheStore(context.Background(), types.RealClock{})
	require.NoError(t, err)
	assert.IsType(t, &cache.MemoryStore{}, store)
	assert.Nil(t, rt.redis)
}

func TestNewCacheStore_BadRedisURL(t *testing.T) {
	rt := &Runtime{cfg: &config.Config{Cache: config.CacheConfig{RedisURL: "ftp://nope", MaxEntries: 10}}}

	_, err := rt.newCacheStore(context.Background(), types.RealClock{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting cache")
}
