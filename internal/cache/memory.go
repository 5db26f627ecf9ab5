package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	clamav "github.com/DevHatRo/clamav-gateway-go"
)

// DefaultCapacity bounds the in-memory cache.
const DefaultCapacity = 10000

// MemoryCache is a process-local LRU of verdicts with a validity window.
// It is safe for concurrent use.
type MemoryCache struct {
	items *lru.Cache[string, Entry]
	ttl   time.Duration
	now   func() time.Time
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryCache) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryCache creates a memory cache holding at most capacity verdicts.
func NewMemoryCache(capacity int, ttl time.Duration, opts ...MemoryOption) (*MemoryCache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	items, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}

	m := &MemoryCache{items: items, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Lookup returns the cached verdict for hash, or nil if missing or stale.
func (m *MemoryCache) Lookup(_ context.Context, hash string) (*clamav.ScanResult, error) {
	entry, ok := m.items.Get(hash)
	if !ok || !entry.Valid(m.now(), m.ttl) {
		return nil, nil
	}
	result := entry.Result
	return &result, nil
}

// Store records result for hash, replacing any previous entry.
func (m *MemoryCache) Store(_ context.Context, hash string, result clamav.ScanResult) error {
	m.items.Add(hash, Entry{Result: result, ScannedAt: result.ScannedAt})
	return nil
}

// Clear drops every entry.
func (m *MemoryCache) Clear(context.Context) error {
	m.items.Purge()
	return nil
}

// Size returns the number of entries, stale ones included.
func (m *MemoryCache) Size(context.Context) (int, error) {
	return m.items.Len(), nil
}
