// Package cache provides a TTL + tag key/value cache for derived reads.
//
// Entries are ephemeral: losing them costs freshness, never correctness. An
// entry is never returned at or after its ExpiresAt, and loader or store
// failures are returned to the caller instead of falling back to old data.
package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"shopfloor/internal/metrics"
	"shopfloor/internal/types"
)

// ErrMiss is returned by a Store when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Entry is one cached value. Value is opaque to the store.
type Entry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	ETag      string    `json:"etag"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Tags      []string  `json:"tags,omitempty"`
}

// Meta is the freshness marker returned with every read. Each store
// generates a new ETag, so values served before and after an invalidation
// are distinguishable.
type Meta struct {
	Hit       bool
	ETag      string
	StoredAt  time.Time
	ExpiresAt time.Time
}

func (e *Entry) meta(hit bool) Meta {
	return Meta{Hit: hit, ETag: e.ETag, StoredAt: e.StoredAt, ExpiresAt: e.ExpiresAt}
}

// Store is the backend capability. Implementations must treat an entry as
// absent once now >= ExpiresAt.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, key string) error
	// InvalidateTag removes every entry carrying tag and returns how many
	// keys were indexed under it.
	InvalidateTag(ctx context.Context, tag string) (int, error)
}

// Loader produces the value for a missing key.
type Loader func(ctx context.Context) ([]byte, error)

// keyStripes bounds the per-key generation counters.
const keyStripes = 256

// Cache layers read-through, write-through and tag invalidation over a
// Store. Concurrent misses on the same key share one loader call.
//
// Every Set, Del and InvalidateTag bumps a generation counter for the keys or
// tags it touches. A load only joins, and only stores into, the generation it
// started in, so a value read before a mutation is never cached after it.
type Cache struct {
	store   Store
	clock   types.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
	group   singleflight.Group

	seed   maphash.Seed
	genMu  sync.Mutex
	keyGen [keyStripes]uint64
	tagGen map[string]uint64
}

// New creates a Cache over store. m and logger may be nil.
func New(store Store, clock types.Clock, m *metrics.Metrics, logger *slog.Logger) *Cache {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:   store,
		clock:   clock,
		metrics: m,
		logger:  logger,
		seed:    maphash.MakeSeed(),
		tagGen:  make(map[string]uint64),
	}
}

// WithCache returns the cached value for key if present and unexpired.
// Otherwise it calls loader, stores the result with ExpiresAt = now+ttl under
// every tag, and returns it. A non-positive ttl returns the loaded value
// without storing it.
func (c *Cache) WithCache(ctx context.Context, key string, ttl time.Duration, loader Loader, tags ...string) ([]byte, Meta, error) {
	e, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		c.metrics.IncCache(key, metrics.CacheHit)
		return e.Value, e.meta(true), nil
	case !errors.Is(err, ErrMiss):
		return nil, Meta{}, types.NewAppError(types.ErrCodeInternalCache, fmt.Sprintf("cache read %q", key), err)
	}
	c.metrics.IncCache(key, metrics.CacheMiss)

	tags = dedupe(tags)
	gen := c.Generation(key, tags...)
	v, err, _ := c.group.Do(fmt.Sprintf("%s#%d", key, gen), func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		entry := c.newEntry(key, value, ttl, tags)
		if ttl > 0 {
			if _, err := c.commit(ctx, entry, gen); err != nil {
				return nil, err
			}
		}
		return entry, nil
	})
	if err != nil {
		return nil, Meta{}, err
	}
	entry := v.(*Entry)
	return entry.Value, entry.meta(false), nil
}

// Set writes value unconditionally. It is used for write-through
// repopulation right after a mutation.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) (Meta, error) {
	entry := c.newEntry(key, value, ttl, tags)
	c.bump(key, nil)
	if err := c.store.Set(ctx, entry); err != nil {
		return Meta{}, types.NewAppError(types.ErrCodeInternalCache, fmt.Sprintf("cache write %q", key), err)
	}
	return entry.meta(false), nil
}

// SetIfCurrent writes value only if no Set, Del or InvalidateTag touched key
// or tags since gen was read with Generation. The bool reports whether the
// value was kept.
func (c *Cache) SetIfCurrent(ctx context.Context, gen uint64, key string, value []byte, ttl time.Duration, tags ...string) (Meta, bool, error) {
	entry := c.newEntry(key, value, ttl, tags)

	c.genMu.Lock()
	if c.generationLocked(key, entry.Tags) != gen {
		c.genMu.Unlock()
		return Meta{}, false, nil
	}
	c.keyGen[c.stripe(key)]++
	c.genMu.Unlock()

	ok, err := c.commit(ctx, entry, gen+1)
	if err != nil || !ok {
		return Meta{}, false, err
	}
	return entry.meta(false), true, nil
}

// Del removes one key.
func (c *Cache) Del(ctx context.Context, key string) error {
	c.bump(key, nil)
	if err := c.store.Delete(ctx, key); err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, fmt.Sprintf("cache delete %q", key), err)
	}
	return nil
}

// InvalidateTag removes every entry associated with tag. Loads already in
// flight for a key under tag return their value without storing it.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) error {
	c.bump("", []string{tag})
	n, err := c.store.InvalidateTag(ctx, tag)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, fmt.Sprintf("cache invalidate tag %q", tag), err)
	}
	c.logger.DebugContext(ctx, "cache tag invalidated", "tag", tag, "keys", n)
	return nil
}

// Generation returns the current write generation of key and tags. It only
// grows, and changes whenever Set, Del or InvalidateTag touches any of them.
func (c *Cache) Generation(key string, tags ...string) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.generationLocked(key, dedupe(tags))
}

func (c *Cache) generationLocked(key string, tags []string) uint64 {
	gen := c.keyGen[c.stripe(key)]
	for _, t := range tags {
		gen += c.tagGen[t]
	}
	return gen
}

func (c *Cache) bump(key string, tags []string) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	if key != "" {
		c.keyGen[c.stripe(key)]++
	}
	for _, t := range tags {
		c.tagGen[t]++
	}
}

func (c *Cache) stripe(key string) int {
	return int(maphash.String(c.seed, key) % keyStripes)
}

// commit stores entry if its generation is still gen. A mutation that lands
// while the write is in progress removes the entry again.
func (c *Cache) commit(ctx context.Context, entry *Entry, gen uint64) (bool, error) {
	if c.Generation(entry.Key, entry.Tags...) != gen {
		c.logger.DebugContext(ctx, "cache write skipped after concurrent mutation", "key", entry.Key)
		return false, nil
	}
	if err := c.store.Set(ctx, entry); err != nil {
		return false, types.NewAppError(types.ErrCodeInternalCache, fmt.Sprintf("cache write %q", entry.Key), err)
	}
	if c.Generation(entry.Key, entry.Tags...) == gen {
		return true, nil
	}
	if err := c.store.Delete(ctx, entry.Key); err != nil {
		return false, types.NewAppError(types.ErrCodeInternalCache, fmt.Sprintf("cache delete %q", entry.Key), err)
	}
	c.logger.DebugContext(ctx, "cache write dropped after concurrent mutation", "key", entry.Key)
	return false, nil
}

func (c *Cache) newEntry(key string, value []byte, ttl time.Duration, tags []string) *Entry {
	now := c.clock.Now()
	return &Entry{
		Key:       key,
		Value:     value,
		ETag:      uuid.NewString(),
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
		Tags:      dedupe(tags),
	}
}

func dedupe(tags []string) []string {
	if len(tags) < 2 {
		return tags
	}
	seen := make(map[string]struct{}, len(tags))
	out := tags[:0:0]
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
