// Package cache defines the port for the short-lived directory cache.
//
// Values are opaque bytes. A cache may be a single in-process tier or an
// in-process tier in front of a tier shared by every instance.
package cache

import (
	"context"
	"time"
)

// Cache is a key-value cache. A miss is (nil, false, nil); a non-nil error
// means the cache could not answer and the caller should go to the store.
// Deleting an absent key is not an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// LocalDeleter is implemented by caches with a shared tier. DeleteLocal
// evicts only this process's copy; the instance that broadcast the
// invalidation has already cleared the shared tier.
type LocalDeleter interface {
	DeleteLocal(ctx context.Context, key string) error
}

// EvictLocal removes key from the process-local tier of c, or from c itself
// if it has no separate local tier.
func EvictLocal(ctx context.Context, c Cache, key string) error {
	if ld, ok := c.(LocalDeleter); ok {
		return ld.DeleteLocal(ctx, key)
	}
	return c.Delete(ctx, key)
}
