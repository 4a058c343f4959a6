// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/tenantgate/internal/domain/audit"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
)

// StatusChange is a compare-and-set subscription status update. It applies
// only if the stored status still equals From.
type StatusChange struct {
	From        tenant.Status
	To          tenant.Status
	At          time.Time
	GraceEndsAt *time.Time
	DeletedAt   *time.Time
}

// TenantStore is the durable tenant directory.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *tenant.Tenant) error
	GetTenant(ctx context.Context, id string) (*tenant.Tenant, error)
	GetTenantByOrg(ctx context.Context, orgID string) (*tenant.Tenant, error)
	ListTenants(ctx context.Context) ([]tenant.Tenant, error)
	UpdateTenantStatus(ctx context.Context, id string, change StatusChange) error
	HardDeleteTenant(ctx context.Context, id string) error

	// Grants are explicit feature overrides, kept apart from the tenant row.
	ListGrants(ctx context.Context, tenantID string) ([]tenant.Grant, error)
	PutGrant(ctx context.Context, tenantID string, g tenant.Grant) error
	DeleteGrant(ctx context.Context, tenantID, feature string) error
}

// MembershipStore is the local, synchronized copy of the identity
// provider's membership lists.
type MembershipStore interface {
	ListMemberships(ctx context.Context, principalID string) ([]member.Membership, error)
	ListTenantMembers(ctx context.Context, tenantID string) ([]member.Membership, error)
	GetMembership(ctx context.Context, tenantID, principalID string) (*member.Membership, error)
	UpsertMembership(ctx context.Context, m *member.Membership) error
	UpdateRole(ctx context.Context, tenantID, principalID string, role member.Role) error
	UpdateDisplayName(ctx context.Context, tenantID, principalID, name string) error
}

// AuditStore is the append-only audit log. AppendAudit seals the entry
// against the tenant's current chain head atomically.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *audit.Entry) error
	ListAudit(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]audit.Entry, error)
	// AuditHead returns the tenant's chain head, or the zero Head if the
	// tenant has no entries.
	AuditHead(ctx context.Context, tenantID string) (audit.Head, error)
}

// TokenStore tracks revoked session tokens by id.
type TokenStore interface {
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	PurgeExpiredTokens(ctx context.Context) (int64, error)
}

// Store is the port interface for database operations.
type Store interface {
	TenantStore
	MembershipStore
	AuditStore
	TokenStore
}
