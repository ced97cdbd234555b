// Package cache provides a time-bounded key/value cache for external lookups.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTL is a concurrency-safe map whose entries expire after a fixed duration.
// Concurrent misses for the same key are not coalesced.
type TTL[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]entry[V]
	ttl     time.Duration
	now     func() time.Time
	maxSize int
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	now     func() time.Time
	maxSize int
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMaxSize bounds the number of entries. When full, expired entries are
// pruned first and then the entry closest to expiry is evicted.
func WithMaxSize(n int) Option {
	return func(o *options) { o.maxSize = n }
}

// New creates a cache whose entries live for ttl.
func New[K comparable, V any](ttl time.Duration, opts ...Option) *TTL[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[K, V]{
		items:   make(map[K]entry[V]),
		ttl:     ttl,
		now:     o.now,
		maxSize: o.maxSize,
	}
}

// Get returns the value for key if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key with the cache's default TTL.
func (c *TTL[K, V]) Put(key K, value V) {
	c.PutTTL(key, value, c.ttl)
}

// PutTTL stores value under key with an explicit TTL.
func (c *TTL[K, V]) PutTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.evictLocked()
	}
	c.items[key] = entry[V]{value: value, expires: c.now().Add(ttl)}
}

// Delete removes key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet pruned.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Prune drops expired entries and returns how many were removed.
func (c *TTL[K, V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked()
}

// Keys returns the live keys.
func (c *TTL[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	keys := make([]K, 0, len(c.items))
	for k, e := range c.items {
		if now.Before(e.expires) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (c *TTL[K, V]) pruneLocked() int {
	now := c.now()
	removed := 0
	for k, e := range c.items {
		if !now.Before(e.expires) {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

func (c *TTL[K, V]) evictLocked() {
	if c.pruneLocked() > 0 {
		return
	}
	var (
		victim K
		first  = true
		oldest time.Time
	)
	for k, e := range c.items {
		if first || e.expires.Before(oldest) {
			victim, oldest, first = k, e.expires, false
		}
	}
	if !first {
		delete(c.items, victim)
	}
}
