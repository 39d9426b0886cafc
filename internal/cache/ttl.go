// Package cache provides a small in-memory TTL cache.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a bounded map whose entries expire after a fixed duration.
// Expired entries are swept lazily on access.
type TTL[K comparable, V any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxItems int
	items    map[K]entry[V]

	now func() time.Time // overridable in tests
}

// New creates a TTL cache. maxItems <= 0 means unbounded.
func New[K comparable, V any](ttl time.Duration, maxItems int) *TTL[K, V] {
	return &TTL[K, V]{
		ttl:      ttl,
		maxItems: maxItems,
		items:    make(map[K]entry[V]),
		now:      time.Now,
	}
}

// Get returns the live value for key, if any.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Add inserts key if no live entry exists. It reports whether the insert
// happened; a false return means a live entry was already present or the
// cache is full even after sweeping expired entries.
func (c *TTL[K, V]) Add(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.items[key]; ok && now.Before(e.expiresAt) {
		return false
	}
	if c.maxItems > 0 && len(c.items) >= c.maxItems {
		c.sweep(now)
		if len(c.items) >= c.maxItems {
			return false
		}
	}
	c.items[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}
	return true
}

// Set unconditionally stores key, refreshing its expiry.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.maxItems > 0 && len(c.items) >= c.maxItems {
		if _, ok := c.items[key]; !ok {
			c.sweep(now)
		}
	}
	c.items[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}
}

// Len returns the number of live entries.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep(c.now())
	return len(c.items)
}

func (c *TTL[K, V]) sweep(now time.Time) {
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, k)
		}
	}
}
