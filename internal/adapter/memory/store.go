// Package memory implements the tenantgate ports in process memory. It backs
// the test suites and the single-instance development mode; it offers the
// same contracts as the postgres adapter, including compare-and-set status
// updates and atomic audit chain sealing.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/audit"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
	"github.com/Strob0t/tenantgate/internal/port/database"
)

var _ database.Store = (*Store)(nil)

// Store is an in-memory database.Store.
type Store struct {
	mu          sync.RWMutex
	tenants     map[string]*tenant.Tenant
	byOrg       map[string]string
	grants      map[string]map[string]tenant.Grant
	memberships map[string]map[string]member.Membership // tenant -> principal
	auditLog    map[string][]audit.Entry
	auditHeads  map[string]audit.Head
	revoked     map[string]time.Time
	auditErr    error
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		tenants:     make(map[string]*tenant.Tenant),
		byOrg:       make(map[string]string),
		grants:      make(map[string]map[string]tenant.Grant),
		memberships: make(map[string]map[string]member.Membership),
		auditLog:    make(map[string][]audit.Entry),
		auditHeads:  make(map[string]audit.Head),
		revoked:     make(map[string]time.Time),
	}
}

func copyTenant(t *tenant.Tenant) *tenant.Tenant {
	c := *t
	c.Features = slices.Clone(t.Features)
	c.Grants = slices.Clone(t.Grants)
	return &c
}

// --- Tenants ---

// CreateTenant stores t. OrgID, Slug and PartitionID must be unique.
func (s *Store) CreateTenant(_ context.Context, t *tenant.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[t.ID]; ok {
		return fmt.Errorf("create tenant %s: %w", t.ID, domain.ErrConflict)
	}
	if _, ok := s.byOrg[t.OrgID]; ok {
		return fmt.Errorf("create tenant org %s: %w", t.OrgID, domain.ErrConflict)
	}
	for _, other := range s.tenants {
		if other.Slug == t.Slug || other.PartitionID == t.PartitionID {
			return fmt.Errorf("create tenant %s: %w", t.ID, domain.ErrConflict)
		}
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.StatusSince.IsZero() {
		t.StatusSince = now
	}
	s.tenants[t.ID] = copyTenant(t)
	s.byOrg[t.OrgID] = t.ID
	return nil
}

// GetTenant returns the tenant by id, including soft-deleted ones.
func (s *Store) GetTenant(_ context.Context, id string) (*tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("get tenant %s: %w", id, domain.ErrNotFound)
	}
	return s.withGrants(t), nil
}

// GetTenantByOrg returns the tenant mapped to orgID, including soft-deleted ones.
func (s *Store) GetTenantByOrg(_ context.Context, orgID string) (*tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOrg[orgID]
	if !ok {
		return nil, fmt.Errorf("get tenant by org: %w", domain.ErrNotFound)
	}
	return s.withGrants(s.tenants[id]), nil
}

// withGrants must be called with s.mu held.
func (s *Store) withGrants(t *tenant.Tenant) *tenant.Tenant {
	c := copyTenant(t)
	c.Grants = nil
	for _, g := range s.grants[t.ID] {
		c.Grants = append(c.Grants, g)
	}
	slices.SortFunc(c.Grants, func(a, b tenant.Grant) int {
		if a.Feature < b.Feature {
			return -1
		}
		if a.Feature > b.Feature {
			return 1
		}
		return 0
	})
	return c
}

// ListTenants returns all tenants ordered by creation time.
func (s *Store) ListTenants(_ context.Context) ([]tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tenant.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, *s.withGrants(t))
	}
	slices.SortFunc(out, func(a, b tenant.Tenant) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// UpdateTenantStatus applies change if the stored status still equals change.From.
func (s *Store) UpdateTenantStatus(_ context.Context, id string, change database.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return fmt.Errorf("update tenant status %s: %w", id, domain.ErrNotFound)
	}
	if t.Status != change.From {
		return fmt.Errorf("update tenant status %s: %w", id, domain.ErrConflict)
	}
	t.Status = change.To
	t.StatusSince = change.At
	t.GraceEndsAt = change.GraceEndsAt
	t.DeletedAt = change.DeletedAt
	t.UpdatedAt = change.At
	return nil
}

// HardDeleteTenant removes the tenant, its grants and memberships. Audit
// entries are kept.
func (s *Store) HardDeleteTenant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return fmt.Errorf("hard delete tenant %s: %w", id, domain.ErrNotFound)
	}
	delete(s.byOrg, t.OrgID)
	delete(s.tenants, id)
	delete(s.grants, id)
	delete(s.memberships, id)
	return nil
}

// ListGrants returns the tenant's explicit feature grants.
func (s *Store) ListGrants(_ context.Context, tenantID string) ([]tenant.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return nil, fmt.Errorf("list grants %s: %w", tenantID, domain.ErrNotFound)
	}
	return s.withGrants(s.tenants[tenantID]).Grants, nil
}

// PutGrant creates or replaces a grant.
func (s *Store) PutGrant(_ context.Context, tenantID string, g tenant.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return fmt.Errorf("put grant %s: %w", tenantID, domain.ErrNotFound)
	}
	if s.grants[tenantID] == nil {
		s.grants[tenantID] = make(map[string]tenant.Grant)
	}
	s.grants[tenantID][g.Feature] = g
	return nil
}

// DeleteGrant removes a grant.
func (s *Store) DeleteGrant(_ context.Context, tenantID, feature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[tenantID][feature]; !ok {
		return fmt.Errorf("delete grant %s/%s: %w", tenantID, feature, domain.ErrNotFound)
	}
	delete(s.grants[tenantID], feature)
	return nil
}

// --- Memberships ---

func (s *Store) orgOf(tenantID string) string {
	if t, ok := s.tenants[tenantID]; ok {
		return t.OrgID
	}
	return ""
}

// ListMemberships returns every membership held by principalID.
func (s *Store) ListMemberships(_ context.Context, principalID string) ([]member.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []member.Membership
	for tenantID, members := range s.memberships {
		if m, ok := members[principalID]; ok {
			m.OrgID = s.orgOf(tenantID)
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b member.Membership) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// ListTenantMembers returns the members of tenantID.
func (s *Store) ListTenantMembers(_ context.Context, tenantID string) ([]member.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]member.Membership, 0, len(s.memberships[tenantID]))
	for _, m := range s.memberships[tenantID] {
		m.OrgID = s.orgOf(tenantID)
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b member.Membership) int {
		if a.PrincipalID < b.PrincipalID {
			return -1
		}
		if a.PrincipalID > b.PrincipalID {
			return 1
		}
		return 0
	})
	return out, nil
}

// GetMembership returns one membership.
func (s *Store) GetMembership(_ context.Context, tenantID, principalID string) (*member.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[tenantID][principalID]
	if !ok {
		return nil, fmt.Errorf("get membership: %w", domain.ErrNotFound)
	}
	m.OrgID = s.orgOf(tenantID)
	return &m, nil
}

// UpsertMembership creates or replaces a membership.
func (s *Store) UpsertMembership(_ context.Context, m *member.Membership) error {
	if !m.Role.Valid() {
		return fmt.Errorf("upsert membership: role %q: %w", m.Role, domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[m.TenantID]; !ok {
		return fmt.Errorf("upsert membership: tenant %s: %w", m.TenantID, domain.ErrNotFound)
	}
	if s.memberships[m.TenantID] == nil {
		s.memberships[m.TenantID] = make(map[string]member.Membership)
	}
	now := time.Now().UTC()
	stored := *m
	if existing, ok := s.memberships[m.TenantID][m.PrincipalID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.OrgID = ""
	s.memberships[m.TenantID][m.PrincipalID] = stored
	return nil
}

// UpdateRole changes a member's role.
func (s *Store) UpdateRole(_ context.Context, tenantID, principalID string, role member.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[tenantID][principalID]
	if !ok {
		return fmt.Errorf("update role: %w", domain.ErrNotFound)
	}
	m.Role = role
	m.UpdatedAt = time.Now().UTC()
	s.memberships[tenantID][principalID] = m
	return nil
}

// UpdateDisplayName changes a member's display name.
func (s *Store) UpdateDisplayName(_ context.Context, tenantID, principalID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[tenantID][principalID]
	if !ok {
		return fmt.Errorf("update display name: %w", domain.ErrNotFound)
	}
	m.DisplayName = name
	m.UpdatedAt = time.Now().UTC()
	s.memberships[tenantID][principalID] = m
	return nil
}

// --- Audit ---

// AppendAudit seals e against the tenant's chain head and appends it.
func (s *Store) AppendAudit(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditErr != nil {
		return fmt.Errorf("append audit: %w", s.auditErr)
	}
	chain := s.auditLog[e.TenantID]
	for i := range chain {
		if e.ID != "" && chain[i].ID == e.ID {
			return fmt.Errorf("append audit %s: %w", e.ID, domain.ErrConflict)
		}
	}
	head := s.auditHeads[e.TenantID]
	audit.Seal(e, head.Seq, head.Hash)
	s.auditLog[e.TenantID] = append(chain, *e)
	s.auditHeads[e.TenantID] = audit.Head{Seq: e.Seq, Hash: e.Hash}
	return nil
}

// AuditHead returns the tenant's chain head.
func (s *Store) AuditHead(_ context.Context, tenantID string) (audit.Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auditHeads[tenantID], nil
}

// ListAudit returns up to limit entries with Seq > afterSeq, ordered by Seq.
// limit <= 0 returns all remaining entries.
func (s *Store) ListAudit(_ context.Context, tenantID string, afterSeq int64, limit int) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for _, e := range s.auditLog[tenantID] {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// FailAudit makes every later AppendAudit return err until called with nil.
// It simulates an audit store outage.
func (s *Store) FailAudit(err error) {
	s.mu.Lock()
	s.auditErr = err
	s.mu.Unlock()
}

// RewriteAudit replaces a tenant's stored chain with fn's result, leaving the
// chain head alone. It exists so chain verification can be exercised against
// tampered logs.
func (s *Store) RewriteAudit(tenantID string, fn func([]audit.Entry) []audit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLog[tenantID] = fn(slices.Clone(s.auditLog[tenantID]))
}

// --- Tokens ---

// RevokeToken records jti as revoked until expiresAt.
func (s *Store) RevokeToken(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = expiresAt
	return nil
}

// IsTokenRevoked reports whether jti has been revoked.
func (s *Store) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

// PurgeExpiredTokens drops revocations whose tokens have expired anyway.
func (s *Store) PurgeExpiredTokens(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var n int64
	for jti, exp := range s.revoked {
		if exp.Before(now) {
			delete(s.revoked, jti)
			n++
		}
	}
	return n, nil
}
