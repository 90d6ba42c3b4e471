package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Load is WithCache for JSON-encodable values.
func Load[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, loader func(ctx context.Context) (T, error), tags ...string) (T, Meta, error) {
	var zero T
	raw, meta, err := c.WithCache(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}, tags...)
	if err != nil {
		return zero, Meta{}, err
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, Meta{}, fmt.Errorf("decode cached %q: %w", key, err)
	}
	return out, meta, nil
}

// SetJSON encodes v and writes it through to the cache.
func SetJSON[T any](ctx context.Context, c *Cache, key string, v T, ttl time.Duration, tags ...string) (Meta, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Meta{}, fmt.Errorf("encode %q: %w", key, err)
	}
	return c.Set(ctx, key, raw, ttl, tags...)
}

// SetJSONIfCurrent encodes v and writes it through with SetIfCurrent.
func SetJSONIfCurrent[T any](ctx context.Context, c *Cache, gen uint64, key string, v T, ttl time.Duration, tags ...string) (Meta, bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Meta{}, false, fmt.Errorf("encode %q: %w", key, err)
	}
	return c.SetIfCurrent(ctx, gen, key, raw, ttl, tags...)
}
