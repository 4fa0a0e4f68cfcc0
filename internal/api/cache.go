package api

import (
	"sync"
	"time"
)

type cacheEntry struct {
	at     time.Time
	result Result
}

// responseCache holds successful GET results keyed by method+URL.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newResponseCache() *responseCache {
	return &responseCache{entries: make(map[string]cacheEntry)}
}

func (c *responseCache) get(key string, ttl time.Duration, now time.Time) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	if now.Sub(e.at) >= ttl {
		delete(c.entries, key)
		return Result{}, false
	}
	return e.result, true
}

func (c *responseCache) put(key string, r Result, now time.Time) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{at: now, result: r}
	c.mu.Unlock()
}

func (c *responseCache) purge() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}
