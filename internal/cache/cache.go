// Package cache provides a TTL and size bounded in-memory cache.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Options tune cache behaviour.
type Options struct {
	TTL     time.Duration
	MaxSize int
	Now     func() time.Time
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	insertedAt time.Time
	ttl        time.Duration
}

func (e *entry[K, V]) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.insertedAt) > e.ttl
}

// Cache is safe for concurrent use. Entries expire lazily on Get and eagerly on
// CleanupExpired; once MaxSize is exceeded the oldest insertions are evicted first.
type Cache[K comparable, V any] struct {
	opts  Options
	mu    sync.Mutex
	items map[K]*list.Element
	order *list.List
}

// New constructs a cache. A non-positive TTL disables expiry, a non-positive MaxSize disables eviction.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache[K, V]{
		opts:  opts,
		items: make(map[K]*list.Element),
		order: list.New(),
	}
}

// Get returns the value for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if e.expired(c.opts.Now()) {
		c.removeElement(el)
		return zero, false
	}
	return e.value, true
}

// Put stores value under key with the default TTL. Re-putting a key refreshes its insertion time.
func (c *Cache[K, V]) Put(key K, value V) {
	c.PutTTL(key, value, c.opts.TTL)
}

// PutTTL stores value under key with an explicit TTL.
func (c *Cache[K, V]) PutTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	e := &entry[K, V]{key: key, value: value, insertedAt: c.opts.Now(), ttl: ttl}
	c.items[key] = c.order.PushBack(e)

	if c.opts.MaxSize > 0 {
		for c.order.Len() > c.opts.MaxSize {
			c.removeElement(c.order.Front())
		}
	}
}

// Delete drops key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// CleanupExpired removes every expired entry and returns how many were dropped.
func (c *Cache[K, V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*entry[K, V]).expired(now) {
			c.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

// Size reports the number of stored entries, including expired ones not yet purged.
func (c *Cache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear empties the cache.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element)
	c.order.Init()
}

func (c *Cache[K, V]) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*entry[K, V])
	delete(c.items, e.key)
}
