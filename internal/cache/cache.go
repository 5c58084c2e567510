// Package cache holds freshly calculated results until they are saved or expire.
package cache

import (
	"sync"
	"time"
)

// Cache is a TTL cache bounded by entry count. When full, the oldest
// entry is evicted. It is safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	ttl     time.Duration
	maxSize int
}

type entry[V any] struct {
	value  V
	stored int64 // unix millis
}

// Options configures the cache. A zero TTL never expires entries; a zero
// MaxSize disables storage entirely.
type Options struct {
	TTL     time.Duration
	MaxSize int
}

// New creates a cache.
func New[V any](opts Options) *Cache[V] {
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0
	}
	maxSize := opts.MaxSize
	if maxSize < 0 {
		maxSize = 0
	}
	return &Cache[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Set stores value under key.
func (c *Cache[V]) Set(key string, value V) {
	c.SetAt(key, value, time.Now())
}

// SetAt stores value with an explicit timestamp (for testing).
func (c *Cache[V]) SetAt(key string, value V, now time.Time) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	nowUnix := now.UnixMilli()
	c.entries[key] = entry[V]{value: value, stored: nowUnix}
	c.prune(nowUnix)
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.GetAt(key, time.Now())
}

// GetAt looks up key with an explicit timestamp (for testing).
func (c *Cache[V]) GetAt(key string, now time.Time) (V, bool) {
	var zero V
	if key == "" {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.expired(e, now.UnixMilli()) {
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) expired(e entry[V], nowUnix int64) bool {
	return c.ttl > 0 && nowUnix-e.stored >= c.ttl.Milliseconds()
}

// prune removes expired and excess entries.
func (c *Cache[V]) prune(nowUnix int64) {
	if c.ttl > 0 {
		for key, e := range c.entries {
			if c.expired(e, nowUnix) {
				delete(c.entries, key)
			}
		}
	}

	if c.maxSize <= 0 {
		c.entries = make(map[string]entry[V])
		return
	}

	for len(c.entries) > c.maxSize {
		var oldestKey string
		oldest := int64(^uint64(0) >> 1)
		for k, e := range c.entries {
			if e.stored < oldest || (e.stored == oldest && k < oldestKey) {
				oldest = e.stored
				oldestKey = k
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the current number of entries, including any not yet pruned.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
}
