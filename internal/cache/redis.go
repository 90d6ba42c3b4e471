package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"shopfloor/internal/types"
)

const defaultRedisPrefix = "shopfloor:cache:"

// invalidateTagScript deletes the tag set and every member entry in one
// step so a concurrent Set cannot slip a key past the invalidation. Entry
// keys are derived from ARGV[1] rather than declared in KEYS, which only a
// single Redis node accepts.
var invalidateTagScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
for _, m in ipairs(members) do
  redis.call('DEL', ARGV[1] .. m)
end
redis.call('DEL', KEYS[1])
return #members
`)

// RedisStore keeps entries in a single-node Redis with PX expiry. Each tag
// is a set of keys; tag sets expire no earlier than their longest-lived
// member. Redis Cluster is not supported.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  types.Clock
}

// NewRedisStore creates a store on client. An empty prefix uses
// "shopfloor:cache:".
func NewRedisStore(client *redis.Client, prefix string, clock types.Clock) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &RedisStore{client: client, prefix: prefix, clock: clock}
}

// NewRedisClient parses url and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (s *RedisStore) entryKey(key string) string { return s.prefix + "k:" + key }
func (s *RedisStore) tagKey(tag string) string   { return s.prefix + "t:" + tag }

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode entry %q: %w", key, err)
	}
	// PX has millisecond resolution; never serve inside the last tick.
	if !s.clock.Now().Before(e.ExpiresAt) {
		return nil, ErrMiss
	}
	return &e, nil
}

func (s *RedisStore) Set(ctx context.Context, e *Entry) error {
	ttl := e.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return s.Delete(ctx, e.Key)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %q: %w", e.Key, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(e.Key), raw, ttl)
		for _, tag := range e.Tags {
			tk := s.tagKey(tag)
			pipe.SAdd(ctx, tk, e.Key)
			pipe.ExpireNX(ctx, tk, ttl)
			pipe.ExpireGT(ctx, tk, ttl)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.entryKey(key)).Err()
}

func (s *RedisStore) InvalidateTag(ctx context.Context, tag string) (int, error) {
	n, err := invalidateTagScript.Run(ctx, s.client, []string{s.tagKey(tag)}, s.entryKey("")).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}
