package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Strob0t/tenantgate/internal/port/cache"
)

var _ cache.Cache = (*Cache)(nil)

type cacheEntry struct {
	val     []byte
	expires time.Time
}

// Cache is a map-backed cache with per-entry expiry. Unlike ristretto its
// writes are visible immediately, which keeps tests deterministic.
type Cache struct {
	mu  sync.Mutex
	m   map[string]cacheEntry
	now func() time.Time
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{m: make(map[string]cacheEntry), now: time.Now}
}

// Get returns the value for key if present and unexpired.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.m, key)
		return nil, false, nil
	}
	return e.val, true, nil
}

// Set stores value for ttl. ttl <= 0 stores without expiry.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := cacheEntry{val: value}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.m[key] = e
	return nil
}

// Delete removes key.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
