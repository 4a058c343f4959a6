// Package secrets provides a thread-safe secret vault with hot reload support.
// tenantgate keeps the session signing key and the billing webhook key here
// so they can be rotated with SIGHUP without a restart.
package secrets

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrMissingSecret is returned by Require when a key has no value.
var ErrMissingSecret = errors.New("secret not configured")

// Loader retrieves secrets from a source (env vars, file, remote vault, etc.).
type Loader func() (map[string]string, error)

// Vault holds secret values in memory and supports atomic reloading. When a
// reload changes a value, the value it replaced stays available through
// Keyring until the next reload, so tokens signed just before a rotation
// still verify.
type Vault struct {
	mu       sync.RWMutex
	values   map[string]string
	previous map[string]string
	loader   Loader
	version  uint64
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{
		values:   vals,
		previous: map[string]string{},
		loader:   loader,
		version:  1,
	}, nil
}

// Get returns the secret for key, or an empty string if not found.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Require returns the secret for key or ErrMissingSecret. Verifiers use it so
// that an unset key fails closed instead of verifying against "".
func (v *Vault) Require(key string) ([]byte, error) {
	s := v.Get(key)
	if s == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingSecret, key)
	}
	return []byte(s), nil
}

// Keyring returns the current value for key followed by the value it
// replaced on the last reload, if any. Use the first entry to sign and any
// entry to verify.
func (v *Vault) Keyring(key string) [][]byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var ring [][]byte
	if cur := v.values[key]; cur != "" {
		ring = append(ring, []byte(cur))
	}
	if prev := v.previous[key]; prev != "" {
		ring = append(ring, []byte(prev))
	}
	return ring
}

// Version increments on every successful reload.
func (v *Vault) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// Keys returns the names of all loaded secrets, sorted.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Redacted returns a masked form of the secret for key suitable for logs:
// the first two characters followed by "****", or "****" for short values.
func (v *Vault) Redacted(key string) string {
	s := v.Get(key)
	if s == "" {
		return ""
	}
	return mask(s)
}

// RedactString replaces every secret value longer than four characters
// occurring in s with its masked form.
func (v *Vault) RedactString(s string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, val := range v.values {
		if len(val) > 4 {
			s = strings.ReplaceAll(s, val, mask(val))
		}
	}
	return s
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****"
}

// Reload calls the loader and swaps in the new values atomically.
// If the loader returns an error, existing values are preserved.
func (v *Vault) Reload() error {
	newVals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	prev := make(map[string]string)
	for k, old := range v.values {
		if old != "" && newVals[k] != old {
			prev[k] = old
		}
	}
	v.previous = prev
	v.values = newVals
	v.version++
	v.mu.Unlock()
	return nil
}
