package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"credanchor/pkg/platform/sentinel"
)

// MemoryStore is an in-process Store. Expired entries are dropped lazily on
// read and swept opportunistically on write.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	writes  int
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// sweepEvery bounds how often the write path pays for a full sweep.
const sweepEvery = 256

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cache key %q: %w", key, sentinel.ErrNotFound)
	}
	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, fmt.Errorf("cache key %q: %w", key, sentinel.ErrExpired)
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}
	s.writes++
	if s.writes%sweepEvery == 0 {
		s.sweepLocked(time.Now())
	}
	return nil
}

func (s *MemoryStore) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// sweepLocked removes expired entries. Must be called while holding s.mu.
func (s *MemoryStore) sweepLocked(now time.Time) {
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// Len reports live entry count, for tests and diagnostics.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
