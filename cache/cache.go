// Package cache provides small in-process caches with per-entry expiry.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Expiring is a bounded key/value cache whose entries expire after a fixed TTL.
type Expiring[K comparable, V any] interface {
	Get(key K) (V, bool)
	Add(key K, value V)
	Contains(key K) bool
	Remove(key K)
}

// LRU is an Expiring cache that also evicts least recently used entries
// once size is reached.
type LRU[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

var _ Expiring[string, int] = (*LRU[string, int])(nil)

// NewLRU returns a cache holding at most size entries for ttl each.
func NewLRU[K comparable, V any](size int, ttl time.Duration) *LRU[K, V] {
	return &LRU[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

// Get returns the value for key if present and not expired.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

// Add stores value under key, resetting its expiry.
func (c *LRU[K, V]) Add(key K, value V) {
	c.lru.Add(key, value)
}

// Contains reports whether key is present without updating recency.
func (c *LRU[K, V]) Contains(key K) bool {
	return c.lru.Contains(key)
}

// Remove drops key.
func (c *LRU[K, V]) Remove(key K) {
	c.lru.Remove(key)
}

// Len returns the number of live entries.
func (c *LRU[K, V]) Len() int {
	return c.lru.Len()
}
