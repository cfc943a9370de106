// Package cache implements the TTL-keyed result cache that sits between
// scraping and fan-out. A cycle either replaces a full entry or leaves it
// untouched; on fetch failure the cache serves stale data, and when even
// that is missing it serves the target's static placeholder set.
package cache

import (
	"sync"
	"time"

	"github.com/aquawatch/waterbot/internal/alert"
)

type entry struct {
	data       []alert.Record
	capturedAt time.Time
}

// ResultCache stores the last successful extraction per cache key.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	clock   alert.Clock
}

// New constructs a ResultCache with the given entry lifetime.
func New(ttl time.Duration, clock alert.Clock) *ResultCache {
	return &ResultCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		clock:   clock,
	}
}

// IsValid reports whether an entry exists and is younger than the TTL.
func (c *ResultCache) IsValid(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	return c.clock.Now().Sub(e.capturedAt) < c.ttl
}

// Get returns the cached records for key, valid or not. The second result
// reports presence.
func (c *ResultCache) Get(key string) ([]alert.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	out := make([]alert.Record, len(e.data))
	copy(out, e.data)
	return out, true
}

// Put overwrites the entry for key atomically.
func (c *ResultCache) Put(key string, data []alert.Record) {
	stored := make([]alert.Record, len(data))
	copy(stored, data)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{data: stored, capturedAt: c.clock.Now()}
}

// Fallback returns cached data if present regardless of validity, else the
// placeholder set. Stale-but-present beats nothing, and the placeholder is
// never empty, so callers always receive at least one record.
func (c *ResultCache) Fallback(key string, placeholder []alert.Record) []alert.Record {
	if data, ok := c.Get(key); ok {
		return data
	}
	return placeholder
}
