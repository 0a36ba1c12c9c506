package cache

import (
	"sync"
	"time"
)

// TTL is a concurrency-safe map whose entries expire after a fixed duration.
// Expiry is checked on every read, so a value is never served past its TTL
// even if Sweep has not run yet.
type TTL[V any] struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	items map[string]ttlEntry[V]
}

type ttlEntry[V any] struct {
	expiresAt time.Time
	value     V
}

func NewTTL[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]ttlEntry[V]),
	}
}

// WithClock swaps the time source; used by tests.
func (c *TTL[V]) WithClock(now func() time.Time) *TTL[V] {
	c.now = now
	return c
}

func (c *TTL[V]) Get(key string) (V, bool) {
	var zero V
	if c == nil || key == "" {
		return zero, false
	}
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return entry.value, true
}

// Set stores value with the cache's default TTL.
func (c *TTL[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

func (c *TTL[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if c == nil || key == "" {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	c.items[key] = ttlEntry[V]{expiresAt: c.now().Add(ttl), value: value}
	c.mu.Unlock()
}

// SetIfAbsent stores value only when key is missing or expired, and reports
// whether it did.
func (c *TTL[V]) SetIfAbsent(key string, value V, ttl time.Duration) bool {
	if c == nil || key == "" {
		return false
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.items[key]; ok && now.Before(cur.expiresAt) {
		return false
	}
	c.items[key] = ttlEntry[V]{expiresAt: now.Add(ttl), value: value}
	return true
}

func (c *TTL[V]) Delete(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Sweep drops expired entries and returns how many were removed.
func (c *TTL[V]) Sweep() int {
	if c == nil {
		return 0
	}
	now := c.now()
	removed := 0
	c.mu.Lock()
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}

func (c *TTL[V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
