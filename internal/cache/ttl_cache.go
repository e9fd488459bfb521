// Package cache holds small in-process caches for hot read paths.
package cache

import (
	"sync"
	"time"

	"github.com/smallbiznis/tenancy/internal/clock"
)

// Cache is a concurrency-safe key/value store with per-entry expiry.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Purge()
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu      sync.RWMutex
	clock   clock.Clock
	entries map[K]entry[V]
}

// NewTTLCache returns a cache driven by the system clock.
func NewTTLCache[K comparable, V any]() Cache[K, V] {
	return NewTTLCacheWithClock[K, V](clock.SystemClock{})
}

func NewTTLCacheWithClock[K comparable, V any](c clock.Clock) Cache[K, V] {
	return &ttlCache[K, V]{clock: c, entries: map[K]entry[V]{}}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && current.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Purge() {
	c.mu.Lock()
	c.entries = map[K]entry[V]{}
	c.mu.Unlock()
}
