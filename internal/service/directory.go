package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/tenantgate/internal/adapter/otel"
	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
	"github.com/Strob0t/tenantgate/internal/port/cache"
	"github.com/Strob0t/tenantgate/internal/port/database"
	"github.com/Strob0t/tenantgate/internal/port/messagequeue"
)

// cachedTenant is the cache representation of a tenant. The tenant's JSON
// form hides PartitionID and DeletedAt, so they travel beside it.
type cachedTenant struct {
	Tenant      tenant.Tenant `json:"tenant"`
	PartitionID string        `json:"partition_id"`
	DeletedAt   *time.Time    `json:"deleted_at,omitempty"`
}

func orgKey(orgID string) string             { return "tenant:org:" + orgID }
func tenantKey(id string) string             { return "tenant:id:" + id }
func membershipsKey(principal string) string { return "members:" + principal }

// Directory is the read path of the tenant directory and the membership
// lists. Entries are cached briefly; every write path invalidates the
// affected keys locally before returning and broadcasts the invalidation to
// the other instances.
type Directory struct {
	store   database.Store
	cache   cache.Cache
	queue   messagequeue.Queue
	ttl     time.Duration
	origin  string
	group   singleflight.Group
	metrics *otel.Metrics

	// gens counts invalidations per key. A load that overlaps an
	// invalidation of its key is neither cached nor handed to callers that
	// were waiting before the invalidation.
	gensMu sync.Mutex
	gens   map[string]uint64
}

func (d *Directory) generation(key string) uint64 {
	d.gensMu.Lock()
	defer d.gensMu.Unlock()
	return d.gens[key]
}

func (d *Directory) bump(key string) {
	d.gensMu.Lock()
	defer d.gensMu.Unlock()
	d.gens[key]++
}

// NewDirectory creates a Directory. queue may be nil in single-instance mode.
func NewDirectory(store database.Store, c cache.Cache, queue messagequeue.Queue, ttl time.Duration, metrics *otel.Metrics) *Directory {
	return &Directory{
		store:   store,
		cache:   c,
		queue:   queue,
		ttl:     ttl,
		origin:  uuid.NewString(),
		metrics: metrics,
		gens:    make(map[string]uint64),
	}
}

// ResolveOrg returns the tenant mapped to orgID. orgID must already have
// passed ValidateOrgID. Canceled tenants still resolve until they are purged,
// so their billing endpoints stay reachable.
func (d *Directory) ResolveOrg(ctx context.Context, orgID string) (*tenant.Tenant, error) {
	return d.loadTenant(ctx, orgKey(orgID), func(ctx context.Context) (*tenant.Tenant, error) {
		return d.store.GetTenantByOrg(ctx, orgID)
	})
}

// Get returns the tenant by id.
func (d *Directory) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	return d.loadTenant(ctx, tenantKey(id), func(ctx context.Context) (*tenant.Tenant, error) {
		return d.store.GetTenant(ctx, id)
	})
}

func (d *Directory) loadTenant(ctx context.Context, key string, load func(context.Context) (*tenant.Tenant, error)) (*tenant.Tenant, error) {
	data, err := d.cached(ctx, "tenant", key, func(ctx context.Context) (any, error) {
		t, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return cachedTenant{Tenant: *t, PartitionID: t.PartitionID, DeletedAt: t.DeletedAt}, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrTenantNotFound
		}
		return nil, err
	}

	var ct cachedTenant
	if err := json.Unmarshal(data, &ct); err != nil {
		return nil, fmt.Errorf("decode cached tenant: %w", err)
	}
	t := ct.Tenant
	t.PartitionID = ct.PartitionID
	t.DeletedAt = ct.DeletedAt
	return &t, nil
}

// Memberships returns the principal's memberships across all tenants.
func (d *Directory) Memberships(ctx context.Context, principalID string) ([]member.Membership, error) {
	data, err := d.cached(ctx, "memberships", membershipsKey(principalID), func(ctx context.Context) (any, error) {
		ms, err := d.store.ListMemberships(ctx, principalID)
		if err != nil {
			return nil, err
		}
		if ms == nil {
			ms = []member.Membership{}
		}
		return ms, nil
	})
	if err != nil {
		return nil, err
	}
	var ms []member.Membership
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("decode cached memberships: %w", err)
	}
	return ms, nil
}

// cached returns the encoded value for key from the cache, or loads, encodes
// and caches it. Concurrent misses for one key share a single load. Each
// caller decodes its own copy.
func (d *Directory) cached(ctx context.Context, kind, key string, load func(context.Context) (any, error)) ([]byte, error) {
	if data, ok, err := d.cache.Get(ctx, key); err == nil && ok {
		d.metrics.Lookup(ctx, kind, true)
		return data, nil
	} else if err != nil {
		slog.WarnContext(ctx, "directory cache read failed", "key_kind", kind, "error", err)
	}
	d.metrics.Lookup(ctx, kind, false)

	gen := d.generation(key)
	v, err, _ := d.group.Do(key, func() (any, error) {
		return d.loadAndStore(ctx, kind, key, load)
	})
	if err != nil {
		return nil, err
	}
	if d.generation(key) != gen {
		// Invalidated while this caller waited: the shared result may
		// predate the change, so read the store again.
		return d.loadAndStore(ctx, kind, key, load)
	}
	return v.([]byte), nil
}

// loadAndStore loads and encodes the value for key, caching it unless key was
// invalidated during the load.
func (d *Directory) loadAndStore(ctx context.Context, kind, key string, load func(context.Context) (any, error)) ([]byte, error) {
	gen := d.generation(key)
	val, err := load(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	if d.generation(key) != gen {
		return data, nil
	}
	if err := d.cache.Set(ctx, key, data, d.ttl); err != nil {
		slog.WarnContext(ctx, "directory cache write failed", "key_kind", kind, "error", err)
		return data, nil
	}
	// An invalidation between the check and the write may have evicted
	// before the write landed.
	if d.generation(key) != gen {
		if err := d.cache.Delete(ctx, key); err != nil {
			slog.ErrorContext(ctx, "directory cache evict after race failed", "key_kind", kind, "error", err)
		}
	}
	return data, nil
}

// InvalidateTenant evicts every cached view of t.
func (d *Directory) InvalidateTenant(ctx context.Context, t *tenant.Tenant) error {
	return d.Invalidate(ctx, orgKey(t.OrgID), tenantKey(t.ID))
}

// InvalidatePrincipal evicts the principal's cached membership list.
func (d *Directory) InvalidatePrincipal(ctx context.Context, principalID string) error {
	return d.Invalidate(ctx, membershipsKey(principalID))
}

// Invalidate evicts keys from this instance before returning, then tells the
// other instances. A failed broadcast is logged; the TTL bounds how long the
// other instances can serve the old value.
func (d *Directory) Invalidate(ctx context.Context, keys ...string) error {
	var errs []error
	for _, k := range keys {
		d.bump(k)
		d.group.Forget(k)
		if err := d.cache.Delete(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("evict %s: %w", k, err))
		}
	}

	if d.queue != nil {
		payload, err := json.Marshal(messagequeue.InvalidationPayload{Keys: keys, Origin: d.origin})
		if err == nil {
			err = d.queue.Publish(ctx, messagequeue.SubjectCacheInvalidate, payload)
		}
		if err != nil {
			slog.WarnContext(ctx, "cache invalidation broadcast failed", "keys", len(keys), "error", err)
		}
	}
	return errors.Join(errs...)
}

// HandleInvalidation evicts keys announced by another instance.
func (d *Directory) HandleInvalidation(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.InvalidationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode invalidation: %w", err)
	}
	if p.Origin == d.origin {
		return nil
	}
	for _, k := range p.Keys {
		d.bump(k)
		d.group.Forget(k)
		if err := cache.EvictLocal(ctx, d.cache, k); err != nil {
			return fmt.Errorf("evict %s: %w", k, err)
		}
	}
	return nil
}

// Start subscribes to invalidations from other instances.
func (d *Directory) Start(ctx context.Context) (func(), error) {
	if d.queue == nil {
		return func() {}, nil
	}
	return d.queue.Subscribe(ctx, messagequeue.SubjectCacheInvalidate, d.HandleInvalidation)
}
