// Package cache provides an explicit, size-bounded cache with per-entry
// expiry and de-duplicated loading.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// DefaultSize bounds a TTL cache created with size <= 0.
const DefaultSize = 4096

// Loader computes the value for a key on a cache miss.
type Loader[V any] func(ctx context.Context, key string) (V, error)

// TTL caches values by string key for a fixed time. Concurrent misses for
// the same key share a single Loader call. Errors are never cached.
type TTL[V any] struct {
	lru   *expirable.LRU[string, V]
	group singleflight.Group
}

// NewTTL returns a cache holding at most size entries for ttl each.
func NewTTL[V any](size int, ttl time.Duration) *TTL[V] {
	if size <= 0 {
		size = DefaultSize
	}
	return &TTL[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

// Get returns the cached value for key, if present and not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	return c.lru.Get(key)
}

// Set stores v under key.
func (c *TTL[V]) Set(key string, v V) {
	c.lru.Add(key, v)
}

// Delete drops key.
func (c *TTL[V]) Delete(key string) {
	c.lru.Remove(key)
}

// Purge drops every entry.
func (c *TTL[V]) Purge() {
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *TTL[V]) Len() int {
	return c.lru.Len()
}

// GetOrLoad returns the cached value for key or calls load and caches its
// result.
func (c *TTL[V]) GetOrLoad(ctx context.Context, key string, load Loader[V]) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.lru.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx, key)
		if err != nil {
			return v, err
		}
		c.lru.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}
