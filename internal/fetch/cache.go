package fetch

import (
	"sync"
	"time"
)

// ResponseCache maps request keys to responses with a per-entry TTL.
//
// Expired entries are not visible to Get. They stay around for StaleGrace so
// the degraded path can still serve them through GetStale, and are dropped
// lazily on the next Set.
type ResponseCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	staleGrace time.Duration
	maxEntries int
	now        func() time.Time
}

type cacheEntry struct {
	value     Response
	expiresAt time.Time
}

type CacheOption func(*ResponseCache)

// WithStaleGrace keeps expired entries readable through GetStale for d.
func WithStaleGrace(d time.Duration) CacheOption {
	return func(c *ResponseCache) {
		if d > 0 {
			c.staleGrace = d
		}
	}
}

// WithMaxEntries bounds the cache size. 0 means unbounded.
func WithMaxEntries(n int) CacheOption {
	return func(c *ResponseCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *ResponseCache) {
		if now != nil {
			c.now = now
		}
	}
}

func NewResponseCache(opts ...CacheOption) *ResponseCache {
	c := &ResponseCache{entries: map[string]cacheEntry{}, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns a live entry. An entry past its expiry is a miss.
func (c *ResponseCache) Get(key string) (Response, bool) {
	if c == nil {
		return Response{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		return Response{}, false
	}
	return e.value.clone(), true
}

// GetStale returns an entry that is live or still inside its stale grace.
func (c *ResponseCache) GetStale(key string) (Response, bool) {
	if c == nil {
		return Response{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt.Add(c.staleGrace)) {
		return Response{}, false
	}
	return e.value.clone(), true
}

// Set stores value for ttl. ttl <= 0 stores nothing.
func (c *ResponseCache) Set(key string, value Response, ttl time.Duration) {
	if c == nil || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictLocked(now)
	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictSoonestLocked()
	}
	c.entries[key] = cacheEntry{value: value.clone(), expiresAt: now.Add(ttl)}
}

// Sweep drops entries past expiry plus grace and returns how many were removed.
func (c *ResponseCache) Sweep(now time.Time) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(now)
}

func (c *ResponseCache) evictLocked(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt.Add(c.staleGrace)) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *ResponseCache) evictSoonestLocked() {
	var (
		victim string
		at     time.Time
		found  bool
	)
	for k, e := range c.entries {
		if !found || e.expiresAt.Before(at) {
			victim, at, found = k, e.expiresAt, true
		}
	}
	if found {
		delete(c.entries, victim)
	}
}

func (c *ResponseCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResponseCache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = map[string]cacheEntry{}
	c.mu.Unlock()
}
