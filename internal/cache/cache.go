// Package cache provides a keyed, read-mostly cache whose entries are
// populated through a single in-flight fetch per key.
//
// Only successful fetches are stored. A failed fetch is reported to every
// caller that was waiting on it and the next call for the same key starts a
// new fetch.
package cache

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// FetchFunc loads the value for a key. The context passed to it is detached
// from any single caller's cancellation so that one abandoned caller does not
// fail the fetch for everyone else waiting on it.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Cache memoizes values by key.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]V
	group   singleflight.Group
}

// New returns an empty Cache.
func New[V any]() *Cache[V] {
	return &Cache[V]{entries: make(map[string]V)}
}

// Peek returns the cached value for key without fetching.
func (c *Cache[V]) Peek(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Get returns the cached value for key, calling fetch on a miss. Concurrent
// misses for the same key share one call to fetch.
func (c *Cache[V]) Get(ctx context.Context, key string, fetch FetchFunc[V]) (V, error) {
	if v, ok := c.Peek(key); ok {
		return v, nil
	}
	return c.load(ctx, key, fetch, false)
}

// Refresh calls fetch regardless of what is cached and replaces the entry on
// success. On failure the previous entry, if any, is left in place. A Refresh
// that overlaps with an in-flight Get or Refresh for the same key joins it.
func (c *Cache[V]) Refresh(ctx context.Context, key string, fetch FetchFunc[V]) (V, error) {
	return c.load(ctx, key, fetch, true)
}

// Evict drops the entry for key.
func (c *Cache[V]) Evict(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[V]) load(ctx context.Context, key string, fetch FetchFunc[V], force bool) (V, error) {
	var zero V

	ch := c.group.DoChan(key, func() (any, error) {
		// A flight for this key may have completed between our Peek and
		// DoChan; don't fetch twice.
		if !force {
			if v, ok := c.Peek(key); ok {
				return v, nil
			}
		}
		v, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = v
		c.mu.Unlock()
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, ok := res.Val.(V)
		if !ok {
			return zero, fmt.Errorf("cache: unexpected value type %T for key %q", res.Val, key)
		}
		return v, nil
	}
}
