// Package geocache holds the in-memory caching and request coalescing used in
// front of geocoding and route providers.
package geocache

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// DefaultTTL applies to location lookups when callers do not override it.
	DefaultTTL = 10 * time.Minute
	// DefaultSweepInterval controls the periodic removal of expired entries.
	DefaultSweepInterval = time.Minute
)

// Config tunes a Cache.
type Config struct {
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	// Clock stamps entries and decides when they lapse. go-cache still drops
	// items on the wall clock, so a Clock running behind real time cannot
	// keep an entry alive past its real TTL. Defaults to time.Now.
	Clock func() time.Time
}

// Entry is a cached value with its lifetime.
type Entry[T any] struct {
	Key       string
	Value     T
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Cache is a TTL key-value cache. It never performs I/O: callers store values
// they already fetched from the source of truth.
type Cache[T any] struct {
	name  string
	ttl   time.Duration
	mu    sync.RWMutex
	items *gocache.Cache
	now   func() time.Time
}

// New constructs a cache. name labels the cache in metrics.
func New[T any](name string, cfg Config) *Cache[T] {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Cache[T]{
		name:  name,
		ttl:   cfg.DefaultTTL,
		items: gocache.New(cfg.DefaultTTL, cfg.SweepInterval),
		now:   cfg.Clock,
	}
}

// Set stores value under key with the default TTL.
func (c *Cache[T]) Set(key string, value T) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key, replacing any previous entry.
func (c *Cache[T]) SetWithTTL(key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	entry := Entry[T]{Key: key, Value: value, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	c.mu.Lock()
	c.items.Set(key, entry, ttl)
	c.mu.Unlock()
}

// Get returns the value for key. An expired entry is evicted and reported absent.
func (c *Cache[T]) Get(key string) (T, bool) {
	entry, ok := c.Entry(key)
	if !ok {
		var zero T
		return zero, false
	}
	return entry.Value, true
}

// Entry returns the full cache entry for key.
func (c *Cache[T]) Entry(key string) (Entry[T], bool) {
	c.mu.RLock()
	raw, ok := c.items.Get(key)
	c.mu.RUnlock()
	if ok {
		entry := raw.(Entry[T])
		if c.live(entry) {
			cacheLookups.WithLabelValues(c.name, "hit").Inc()
			return entry, true
		}
	}

	cacheLookups.WithLabelValues(c.name, "miss").Inc()
	c.mu.Lock()
	// go-cache hides expired items from Get but keeps them until the janitor
	// runs; a second miss under the write lock means any stored item is stale.
	if raw, ok := c.items.Get(key); !ok || !c.live(raw.(Entry[T])) {
		c.items.Delete(key)
	}
	c.mu.Unlock()
	return Entry[T]{}, false
}

// Has reports whether a live entry exists for key.
func (c *Cache[T]) Has(key string) bool {
	_, ok := c.Entry(key)
	return ok
}

// Delete removes key.
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	c.items.Delete(key)
	c.mu.Unlock()
}

// ClearExpired removes every expired entry.
func (c *Cache[T]) ClearExpired() {
	c.mu.Lock()
	c.sweep()
	c.mu.Unlock()
}

// Clear drops all entries.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	c.items.Flush()
	c.mu.Unlock()
}

// Len sweeps expired entries and returns the number of live ones.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep()
	n := c.items.ItemCount()
	cacheEntries.WithLabelValues(c.name).Set(float64(n))
	return n
}

func (c *Cache[T]) live(entry Entry[T]) bool {
	return c.now().Before(entry.ExpiresAt)
}

// sweep drops items expired on either clock. Callers hold mu.
func (c *Cache[T]) sweep() {
	c.items.DeleteExpired()
	for key, item := range c.items.Items() {
		if entry, ok := item.Object.(Entry[T]); ok && !c.live(entry) {
			c.items.Delete(key)
		}
	}
}
