// Package cache provides a bounded TTL cache with single-flight fills.
//
// It fronts the hot persistence reads on the issuance and verification
// paths (account entitlements, epoch keys, ASN lookups). Concurrent misses
// for the same key collapse into one backing fetch; every waiter receives
// that fetch's result.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TTL is a generic expiring cache keyed by string. Errors from the fill
// function are never cached.
type TTL[V any] struct {
	ttl   time.Duration
	group singleflight.Group

	mu    sync.Mutex
	items map[string]item[V]
}

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a cache whose entries live for ttl.
func New[V any](ttl time.Duration) *TTL[V] {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TTL[V]{
		ttl:   ttl,
		items: make(map[string]item[V]),
	}
}

// Get returns the cached value for key, if fresh.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok || time.Now().After(it.expiresAt) {
		var zero V
		return zero, false
	}
	return it.value, true
}

// GetOrFill returns the cached value for key, or runs fill to produce it.
// Concurrent callers missing on the same key share a single fill; the
// caller's context still bounds how long it waits for that shared result.
func (c *TTL[V]) GetOrFill(ctx context.Context, key string, fill func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// The fill outlives any single caller so late waiters still get a
		// result; it carries its own deadline.
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.ttl)
		defer cancel()
		v, err := fill(fillCtx)
		if err != nil {
			return nil, err
		}
		c.set(key, v)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Set stores a value directly, refreshing its TTL.
func (c *TTL[V]) Set(key string, value V) {
	c.set(key, value)
}

// Invalidate drops a key. Writers call this after mutating the backing
// store so the next read observes the write.
func (c *TTL[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len reports the number of resident entries, expired or not.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *TTL[V]) set(key string, value V) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked(now)
	c.items[key] = item[V]{value: value, expiresAt: now.Add(c.ttl)}
}

func (c *TTL[V]) cleanupLocked(now time.Time) {
	for k, it := range c.items {
		if now.After(it.expiresAt) {
			delete(c.items, k)
		}
	}
}
