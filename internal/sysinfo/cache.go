package sysinfo

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value   any
	expires time.Time
}

// ttlCache memoizes query results per key for a fixed time.
type ttlCache struct {
	mu      sync.Mutex
	now     func() time.Time
	ttl     map[string]time.Duration
	entries map[string]cacheEntry
	hits    uint64
	misses  uint64
}

func newTTLCache(now func() time.Time, ttl map[string]time.Duration) *ttlCache {
	return &ttlCache{now: now, ttl: ttl, entries: make(map[string]cacheEntry)}
}

// get returns the cached value for key or computes and stores it. Failed
// computations are not cached.
func (c *ttlCache) get(key string, force bool, compute func() (any, error)) (any, error) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && !force && c.now().Before(entry.expires) {
		c.hits++
		c.mu.Unlock()
		return entry.value, nil
	}
	c.misses++
	c.mu.Unlock()

	value, err := compute()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expires: c.now().Add(c.ttl[key])}
	c.mu.Unlock()
	return value, nil
}

func (c *ttlCache) invalidate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]cacheEntry)
	return n
}

// CacheStats is the payload of the cache method.
type CacheStats struct {
	Hits    uint64                `json:"hits"`
	Misses  uint64                `json:"misses"`
	Entries map[string]CacheEntry `json:"entries"`
}

// CacheEntry describes one cached query.
type CacheEntry struct {
	TTLSeconds float64 `json:"ttl_seconds"`
	Cached     bool    `json:"cached"`
	AgeSeconds float64 `json:"age_seconds,omitempty"`
}

func (c *ttlCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := CacheStats{Hits: c.hits, Misses: c.misses, Entries: make(map[string]CacheEntry, len(c.ttl))}
	for key, ttl := range c.ttl {
		entry := CacheEntry{TTLSeconds: ttl.Seconds()}
		if e, ok := c.entries[key]; ok && now.Before(e.expires) {
			entry.Cached = true
			entry.AgeSeconds = (ttl - e.expires.Sub(now)).Seconds()
		}
		out.Entries[key] = entry
	}
	return out
}
