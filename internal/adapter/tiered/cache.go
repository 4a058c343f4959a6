// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Strob0t/tenantgate/internal/port/cache"
)

var (
	_ cache.Cache        = (*Cache)(nil)
	_ cache.LocalDeleter = (*Cache)(nil)
)

// Cache puts an in-process L1 in front of a shared L2.
//
// An L2 hit is copied into L1 unless an eviction ran while L2 was being read:
// otherwise a lookup racing a status change could put the old tenant back
// into L1 after the change had evicted it.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration

	// evictions counts Delete, DeleteLocal and Clear calls.
	evictions atomic.Uint64
}

// New creates a tiered cache. l1Expire bounds how long an L2 backfill lives
// in L1.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	if val, found, err := c.l1.Get(ctx, key); err == nil && found {
		return val, true, nil
	}

	gen := c.evictions.Load()
	val, found, err := c.l2.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	if c.evictions.Load() == gen {
		_ = c.l1.Set(ctx, key, val, c.l1Expire)
	}
	return val, true, nil
}

// Set writes L1 then L2. An L2 failure is returned but L1 keeps the value
// for its own TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := ttl
	if l1TTL <= 0 || l1TTL > c.l1Expire {
		l1TTL = c.l1Expire
	}
	if err := c.l1.Set(ctx, key, value, l1TTL); err != nil {
		return err
	}
	return c.l2.Set(ctx, key, value, ttl)
}

// Delete clears L2, then L1. L1 is cleared even when L2 fails.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.evictions.Add(1)
	l2Err := c.l2.Delete(ctx, key)
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	return l2Err
}

// DeleteLocal removes key from L1 only.
func (c *Cache) DeleteLocal(ctx context.Context, key string) error {
	c.evictions.Add(1)
	return c.l1.Delete(ctx, key)
}

// Clear drops all of L1 if it supports that. L2 is left alone: its entries
// expire on the bucket TTL.
func (c *Cache) Clear() {
	c.evictions.Add(1)
	if cl, ok := c.l1.(interface{ Clear() }); ok {
		cl.Clear()
	}
}
