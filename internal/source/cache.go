package source

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheEntries bounds each per-run lookup cache. Runs touch at most a
// few hundred distinct queries; the bound is a guard against a pathological
// catalog, not a tuning knob.
const DefaultCacheEntries = 2048

// Cache is a run-scoped lookup cache. Each remote provider owns one cache
// per upstream, keyed by the normalized query, so repeated products in an
// ingredient group never repeat a network call. Concurrent lookups of the
// same key collapse to a single upstream call. Misses are cached like hits;
// errors are not cached (the provider degrades them to a miss first when
// that is the intent). Eviction is insertion-order FIFO.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]V
	order   []string
	max     int
	flight  singleflight.Group
}

// NewCache creates a cache holding at most maxEntries values. Zero or
// negative uses DefaultCacheEntries.
func NewCache[V any](maxEntries int) *Cache[V] {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	return &Cache[V]{
		entries: make(map[string]V),
		max:     maxEntries,
	}
}

// Do returns the cached value for key or runs fn once to produce it.
func (c *Cache[V]) Do(key string, fn func() (V, error)) (V, error) {
	c.mu.Lock()
	if v, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	raw, err, _ := c.flight.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero V
		return zero, err
	}
	val := raw.(V)

	c.mu.Lock()
	if _, ok := c.entries[key]; !ok {
		if len(c.order) >= c.max {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.entries[key] = val
		c.order = append(c.order, key)
	}
	c.mu.Unlock()
	return val, nil
}

// Len reports the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
