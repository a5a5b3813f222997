package toolexecutor

import (
	"sync"
	"time"
)

const (
	DefaultWebCacheTTL     = 15 * time.Minute
	DefaultWebCacheEntries = 256
)

type cacheEntry struct {
	content  string
	storedAt time.Time
}

// WebCache caches fetched web content by URL. Safe for concurrent use; one
// instance may be shared by every thread of a multi-thread task.
type WebCache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	hits       uint64
	misses     uint64
}

// NewWebCache creates a cache with the default TTL and size.
func NewWebCache() *WebCache {
	return NewWebCacheWithLimits(DefaultWebCacheTTL, DefaultWebCacheEntries)
}

// NewWebCacheWithLimits creates a cache with explicit limits.
func NewWebCacheWithLimits(ttl time.Duration, maxEntries int) *WebCache {
	if ttl <= 0 {
		ttl = DefaultWebCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultWebCacheEntries
	}
	return &WebCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns cached content that has not expired.
func (c *WebCache) Get(url string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[url]
	if !ok || c.now().Sub(entry.storedAt) > c.ttl {
		if ok {
			delete(c.entries, url)
		}
		c.misses++
		return "", false
	}
	c.hits++
	return entry.content, true
}

// Put stores content, evicting the oldest entry when full.
func (c *WebCache) Put(url, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[url]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[url] = cacheEntry{content: content, storedAt: c.now()}
}

// Len returns the number of cached entries.
func (c *WebCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns hit and miss counts.
func (c *WebCache) Stats() (hits, misses uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

func (c *WebCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.storedAt.Before(oldest) {
			oldestKey, oldest = k, e.storedAt
		}
	}
	delete(c.entries, oldestKey)
}
