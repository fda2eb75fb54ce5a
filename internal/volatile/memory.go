package volatile

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheEntries = 4096

type memoryCacheEntry struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryStoreConfig describes the in-process tier.
type MemoryStoreConfig struct {
	Clock func() time.Time
	// MaxCacheEntries bounds the cached-view LRU. Zero selects a default.
	MaxCacheEntries int
}

// MemoryStore implements Store in process memory. It serves tests and
// single-instance deployments; state is lost on restart, which is acceptable
// because the tier is advisory by contract.
type MemoryStore struct {
	mu      sync.Mutex
	clock   func() time.Time
	windows map[int64][]time.Time
	flags   map[string]time.Time
	cache   *lru.Cache[string, memoryCacheEntry]
}

// NewMemoryStore constructs the in-process volatile tier.
func NewMemoryStore(cfg MemoryStoreConfig) (*MemoryStore, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	entries := cfg.MaxCacheEntries
	if entries <= 0 {
		entries = defaultCacheEntries
	}
	cache, err := lru.New[string, memoryCacheEntry](entries)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		clock:   clock,
		windows: make(map[int64][]time.Time),
		flags:   make(map[string]time.Time),
		cache:   cache,
	}, nil
}

// WindowReserve implements Store. The mutex makes purge, count and insert a
// single step, mirroring the Redis script.
func (s *MemoryStore) WindowReserve(_ context.Context, submitterID int64, window time.Duration, limit int) (WindowStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	cutoff := now.Add(-window)

	kept := s.windows[submitterID][:0]
	for _, at := range s.windows[submitterID] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	s.windows[submitterID] = kept

	if len(kept) >= limit {
		resetIn := window - now.Sub(kept[0])
		if resetIn < 0 {
			resetIn = 0
		}
		return WindowStatus{Reserved: false, Count: int64(len(kept)), ResetIn: resetIn}, nil
	}

	s.windows[submitterID] = append(kept, now)
	return WindowStatus{Reserved: true, Count: int64(len(kept) + 1)}, nil
}

// WindowRelease implements Store.
func (s *MemoryStore) WindowRelease(_ context.Context, submitterID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.windows[submitterID]
	if len(entries) == 0 {
		return nil
	}
	s.windows[submitterID] = entries[:len(entries)-1]
	return nil
}

// SetFlag implements Store.
func (s *MemoryStore) SetFlag(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flags[key] = s.clock().UTC().Add(ttl)
	return nil
}

// FlagTTL implements Store.
func (s *MemoryStore) FlagTTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.flags[key]
	if !ok {
		return 0, nil
	}
	remaining := expiresAt.Sub(s.clock().UTC())
	if remaining <= 0 {
		delete(s.flags, key)
		return 0, nil
	}
	return remaining, nil
}

// GetJSON implements Store. Entry expiry is checked on read because the LRU
// only bounds size.
func (s *MemoryStore) GetJSON(_ context.Context, key string, out any) (bool, error) {
	entry, ok := s.cache.Get(key)
	if !ok {
		return false, nil
	}
	if s.clock().UTC().After(entry.expiresAt) {
		s.cache.Remove(key)
		return false, nil
	}
	if err := json.Unmarshal(entry.payload, out); err != nil {
		s.cache.Remove(key)
		return false, nil
	}
	return true, nil
}

// PutJSON implements Store.
func (s *MemoryStore) PutJSON(_ context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.cache.Add(key, memoryCacheEntry{payload: payload, expiresAt: s.clock().UTC().Add(ttl)})
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}
