// Package natskv implements the cache port on a NATS JetStream KV bucket, the
// shared tier behind each instance's in-process cache.
package natskv

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache stores directory entries in a KV bucket. Entry lifetime is the bucket
// TTL; the per-call ttl is ignored.
type Cache struct {
	kv jetstream.KeyValue
}

// New wraps kv.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// encodeKey maps a directory key ("tenant:org:acme") to a KV key
// ("tenant.org.acme"). KV keys allow only [-/_=.a-zA-Z0-9], and identity
// provider subjects routinely carry '|' or '@', so any segment outside
// [-_a-zA-Z0-9] is written as '=' followed by its unpadded base64url form.
// Plain segments never start with '=', which keeps the mapping one to one.
func encodeKey(key string) string {
	segs := strings.Split(key, ":")
	for i, s := range segs {
		if !plainSegment(s) {
			segs[i] = "=" + base64.RawURLEncoding.EncodeToString([]byte(s))
		}
	}
	return strings.Join(segs, ".")
}

func plainSegment(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value(), true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, encodeKey(key), value)
	return err
}

// Delete writes a delete marker. Absent keys are not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
