// Package registry provides the capacity-bounded, least-recently-used maps the
// coordinator keeps its participants, topics and offers in.
package registry

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCapacity is the number of entries each registry holds before it
// starts evicting.
const DefaultCapacity = 100

// EvictFunc is called with the entry that was pushed out by an insert.
type EvictFunc[K comparable, V any] func(key K, value V)

// Cache is a bounded key/value map ordered by recency. Every Get, Put and
// Upsert counts as a touch. When full, an insert of a new key evicts the least
// recently touched entry. Safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu  sync.Mutex
	lru *simplelru.LRU[K, V]
}

func NewCache[K comparable, V any](capacity int, onEvict EvictFunc[K, V]) (*Cache[K, V], error) {
	var cb simplelru.EvictCallback[K, V]
	if onEvict != nil {
		cb = simplelru.EvictCallback[K, V](onEvict)
	}
	l, err := simplelru.NewLRU[K, V](capacity, cb)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache with capacity %d: %w", capacity, err)
	}
	return &Cache[K, V]{lru: l}, nil
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

// Put stores value under key, overwriting any previous value. It reports
// whether another entry was evicted to make room.
func (c *Cache[K, V]) Put(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Add(key, value)
}

// Upsert atomically reads the current value for key (if any), stores the
// value returned by fn and marks key most recently used. It returns the stored
// value and whether key existed before the call.
func (c *Cache[K, V]) Upsert(key K, fn func(old V, exists bool) V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, exists := c.lru.Get(key)
	next := fn(old, exists)
	c.lru.Add(key, next)
	return next, exists
}

// Values returns a snapshot of all values, oldest first.
func (c *Cache[K, V]) Values() []V {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Values()
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
