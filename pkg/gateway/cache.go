package gateway

import (
	"sync"
	"time"
)

// Cache defaults.
const (
	DefaultCacheCapacity = 300
	DefaultCacheTTL      = 12 * time.Hour
)

// CacheEntry is one memoized model response.
type CacheEntry struct {
	Key       string
	Value     string
	CreatedAt time.Time
}

// Cache memoizes responses by raw prompt. Entries older than the TTL are
// never returned. When an insert pushes the cache over capacity, expired
// entries are dropped first, then the oldest by CreatedAt.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]CacheEntry
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCapacity sets the maximum number of live entries.
func WithCapacity(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithTTL sets how long an entry stays servable.
func WithTTL(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithCacheClock overrides the time source.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries:  make(map[string]CacheEntry),
		capacity: DefaultCacheCapacity,
		ttl:      DefaultCacheTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached response for prompt if it has not expired.
func (c *Cache) Get(prompt string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[prompt]
	if !ok || c.expired(e, c.now()) {
		return "", false
	}
	return e.Value, true
}

// Record upserts prompt's response and evicts if over capacity.
func (c *Cache) Record(prompt, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[prompt] = CacheEntry{Key: prompt, Value: text, CreatedAt: now}
	if len(c.entries) > c.capacity {
		c.evict(now)
	}
}

// evict must be called with mu held.
func (c *Cache) evict(now time.Time) {
	for k, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, k)
		}
	}

	for len(c.entries) > c.capacity {
		var (
			oldestKey string
			oldestAt  time.Time
			found     bool
		)
		for k, e := range c.entries {
			if !found || e.CreatedAt.Before(oldestAt) {
				oldestKey, oldestAt, found = k, e.CreatedAt, true
			}
		}
		delete(c.entries, oldestKey)
	}
}

func (c *Cache) expired(e CacheEntry, now time.Time) bool {
	return now.Sub(e.CreatedAt) >= c.ttl
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]CacheEntry)
}

// Capacity returns the configured capacity.
func (c *Cache) Capacity() int {
	return c.capacity
}

// TTL returns the configured time to live.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}
