// Package cache is an in-memory TTL cache of prediction results keyed by
// the digest of the uploaded image.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Cache is a TTL cache with a maximum size. When full, the least recently
// accessed entry is evicted.
type Cache[V any] struct {
	enabled bool
	ttl     time.Duration
	maxSize int

	mu      sync.Mutex
	entries map[string]*entry[V]

	now func() time.Time
}

type entry[V any] struct {
	value      V
	expiresAt  time.Time
	lastAccess time.Time
}

// New returns a cache. A disabled cache never stores anything.
func New[V any](enabled bool, ttl time.Duration, maxSize int) *Cache[V] {
	return &Cache[V]{
		enabled: enabled && maxSize > 0,
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*entry[V]),
		now:     time.Now,
	}
}

// Key returns the cache key of the given content.
func Key(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Get returns the value stored under key, if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	if !c.enabled {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	now := c.now()
	if now.After(e.expiresAt) {
		delete(c.entries, key)
		return zero, false
	}
	e.lastAccess = now
	return e.value, true
}

// Set stores val under key.
func (c *Cache[V]) Set(key string, val V) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.maxSize {
		c.evict(now)
	}
	c.entries[key] = &entry[V]{
		value:      val,
		expiresAt:  now.Add(c.ttl),
		lastAccess: now,
	}
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evict drops expired entries, or the least recently accessed one if none
// has expired.
func (c *Cache[V]) evict(now time.Time) {
	var oldestKey string
	var oldestTime time.Time
	expired := false
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
			expired = true
			continue
		}
		if oldestKey == "" || v.lastAccess.Before(oldestTime) {
			oldestKey = k
			oldestTime = v.lastAccess
		}
	}
	if !expired && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
