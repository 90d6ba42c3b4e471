package cache

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"shopfloor/internal/types"
)

// MemoryStore is the in-process Store. Size is bounded by LRU eviction
// independent of TTL; expired entries are dropped when read.
type MemoryStore struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, *Entry]
	tags  map[string]map[string]struct{}
	clock types.Clock
}

// NewMemoryStore creates a store holding at most maxEntries keys.
func NewMemoryStore(maxEntries int, clock types.Clock) (*MemoryStore, error) {
	if clock == nil {
		clock = types.RealClock{}
	}
	s := &MemoryStore{
		tags:  make(map[string]map[string]struct{}),
		clock: clock,
	}
	l, err := lru.NewWithEvict(maxEntries, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	s.lru = l
	return s, nil
}

// onEvict runs synchronously inside Add/Remove while s.mu is held.
func (s *MemoryStore) onEvict(key string, e *Entry) {
	s.untag(key, e)
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if !s.clock.Now().Before(e.ExpiresAt) {
		s.lru.Remove(key)
		return nil, ErrMiss
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Set(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.lru.Peek(e.Key); ok {
		s.untag(e.Key, old)
	}
	cp := *e
	s.lru.Add(e.Key, &cp)
	for _, tag := range cp.Tags {
		keys, ok := s.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			s.tags[tag] = keys
		}
		keys[e.Key] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(key)
	return nil
}

func (s *MemoryStore) InvalidateTag(_ context.Context, tag string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.tags[tag]
	n := len(keys)
	for key := range keys {
		s.lru.Remove(key)
	}
	delete(s.tags, tag)
	return n, nil
}

// Len returns the number of resident entries, expired ones included.
func (s *MemoryStore) Len() int {
	return s.lru.Len()
}

func (s *MemoryStore) untag(key string, e *Entry) {
	for _, tag := range e.Tags {
		keys := s.tags[tag]
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.tags, tag)
		}
	}
}
