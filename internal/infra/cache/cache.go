// Package cache provides TTL caches behind port.Cache: a bounded in-process
// LRU and a Redis-backed variant shared between instances.
package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultSize = 1024

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// InMemory is a thread-safe bounded LRU cache with TTL.
// Expired entries are never returned, even before they are evicted.
type InMemory[T any] struct {
	items *lru.Cache[string, entry[T]]
	ttl   time.Duration
	now   func() time.Time
}

// New creates a new in-memory cache with the given TTL and capacity.
func New[T any](ttl time.Duration, size int) *InMemory[T] {
	if size <= 0 {
		size = defaultSize
	}
	items, err := lru.New[string, entry[T]](size)
	if err != nil {
		// only returned for a non-positive size
		panic("cache: " + err.Error())
	}
	return &InMemory[T]{items: items, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (c *InMemory[T]) WithClock(now func() time.Time) *InMemory[T] {
	c.now = now
	return c
}

// Get retrieves a value from the cache. Returns false if not found or expired.
func (c *InMemory[T]) Get(_ context.Context, key string) (T, bool) {
	e, ok := c.items.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.items.Remove(key)
		var zero T
		return zero, false
	}
	return e.value, true
}

// Set stores a value in the cache with the configured TTL.
func (c *InMemory[T]) Set(_ context.Context, key string, value T) {
	c.items.Add(key, entry[T]{value: value, expiresAt: c.now().Add(c.ttl)})
}

// Delete removes a value from the cache.
func (c *InMemory[T]) Delete(_ context.Context, key string) {
	c.items.Remove(key)
}

// Len returns the number of entries, expired ones included.
func (c *InMemory[T]) Len() int {
	return c.items.Len()
}
