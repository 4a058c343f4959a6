package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/tenantgate/internal/adapter/memory"
	"github.com/Strob0t/tenantgate/internal/config"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
	"github.com/Strob0t/tenantgate/internal/resilience"
)

// countingStore counts every tenant and membership lookup that reaches the store.
// afterOrgRead, when set, runs after each org lookup has read the store.
type countingStore struct {
	*memory.Store
	lookups      atomic.Int64
	afterOrgRead func()
}

func (s *countingStore) GetTenantByOrg(ctx context.Context, orgID string) (*tenant.Tenant, error) {
	s.lookups.Add(1)
	t, err := s.Store.GetTenantByOrg(ctx, orgID)
	if s.afterOrgRead != nil {
		s.afterOrgRead()
	}
	return t, err
}

func (s *countingStore) ListMemberships(ctx context.Context, principalID string) ([]member.Membership, error) {
	s.lookups.Add(1)
	return s.Store.ListMemberships(ctx, principalID)
}

type harness struct {
	store    *countingStore
	pool     *memory.Pool
	queue    *memory.Queue
	cache    *memory.Cache
	dir      *Directory
	audit    *AuditService
	tenants  *TenantService
	subs     *SubscriptionService
	members  *MembershipService
	guard    *MembershipGuard
	router   *PartitionRouter
	features *FeatureService
}

func newHarness(t *testing.T, poolSize int) *harness {
	t.Helper()
	h := &harness{
		store: &countingStore{Store: memory.NewStore()},
		pool:  memory.NewPool(poolSize),
		queue: memory.NewQueue(),
		cache: memory.NewCache(),
	}
	h.dir = NewDirectory(h.store, h.cache, h.queue, 15*time.Second, nil)
	h.audit = NewAuditService(h.store, h.queue, resilience.NewBreaker(5, time.Minute), nil)
	h.tenants = NewTenantService(h.store, h.dir, h.audit, h.pool)
	h.subs = NewSubscriptionService(h.store, h.dir, h.audit, h.pool, h.queue, config.Subscription{
		PastDueGrace: 7 * 24 * time.Hour,
		Retention:    30 * 24 * time.Hour,
	}, nil)
	h.members = NewMembershipService(h.store, h.dir, h.audit)
	h.guard = NewMembershipGuard(h.dir)
	h.router = NewPartitionRouter(h.pool, config.Partition{
		AcquireTimeout: time.Second,
		ReleaseTimeout: 100 * time.Millisecond,
	}, nil)
	h.features = NewFeatureService(h.store, h.dir, h.audit)
	return h
}

// createTenant provisions an active tenant owned by owner.
func (h *harness) createTenant(t *testing.T, org string, tier tenant.Tier, owner string) *tenant.Tenant {
	t.Helper()
	tn, err := h.tenants.Create(context.Background(), "system:test", tenant.CreateRequest{
		OrgID:   org,
		Name:    org + " Inc",
		Slug:    "slug-" + toSlug(org),
		Tier:    tier,
		OwnerID: owner,
	})
	if err != nil {
		t.Fatalf("create tenant %s: %v", org, err)
	}
	return tn
}

func (h *harness) addMember(t *testing.T, tn *tenant.Tenant, principal string, role member.Role) {
	t.Helper()
	if err := h.members.Sync(context.Background(), "system:test", &member.Membership{
		PrincipalID: principal,
		TenantID:    tn.ID,
		Role:        role,
	}); err != nil {
		t.Fatalf("add member %s: %v", principal, err)
	}
}

func toSlug(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A')
		case c == '_':
			b[i] = '-'
		}
	}
	return string(b)
}
