package memory

import (
	"sync"
	"time"

	"github.com/artpar/meterd/ports"
)

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache stores values in memory with per-entry TTLs. Expired entries
// stay readable through GetStale until overwritten or deleted, which lets
// callers serve a last-known-good value when recomputation fails.
type TTLCache[K comparable, V any] struct {
	mu    sync.RWMutex
	clock ports.Clock
	items map[K]cacheEntry[V]
}

// NewTTLCache constructs a new TTLCache.
func NewTTLCache[K comparable, V any](clock ports.Clock) *TTLCache[K, V] {
	return &TTLCache[K, V]{clock: clock, items: make(map[K]cacheEntry[V])}
}

// Get returns a cached value if it exists and has not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	v, fresh, ok := c.GetStale(key)
	if !ok || !fresh {
		var zero V
		return zero, false
	}
	return v, true
}

// GetStale returns a cached value even after expiry; fresh reports
// whether it is still within its TTL.
func (c *TTLCache[K, V]) GetStale(key K) (value V, fresh, ok bool) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return value, false, false
	}
	fresh = entry.expiresAt.IsZero() || c.clock.Now().Before(entry.expiresAt)
	return entry.value, fresh, true
}

// Set stores a value with the provided TTL. A zero TTL never expires.
func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = cacheEntry[V]{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

// Delete removes a cached entry.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// DeleteFunc removes every entry whose key matches.
func (c *TTLCache[K, V]) DeleteFunc(match func(K) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.items {
		if match(k) {
			delete(c.items, k)
		}
	}
}

// Clear removes every entry.
func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	c.items = make(map[K]cacheEntry[V])
	c.mu.Unlock()
}

// Len returns the number of entries, expired ones included.
func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
var _ ports.Cache[string, int] = (*TTLCache[string, int])(nil)
