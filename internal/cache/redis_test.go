package cache

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestRedisStore_KeyLayout(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(client, "", nil)
	assert.Equal(t, "shopfloor:cache:k:analytics:summary", s.entryKey("analytics:summary"))
	assert.Equal(t, "shopfloor:cache:t:analytics", s.tagKey("analytics"))

	// The invalidation script rebuilds entry keys from entryKey("").
	assert.Equal(t, s.entryKey("")+"materials:lowStock", s.entryKey("materials:lowStock"))
}
