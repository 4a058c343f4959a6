package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
	"github.com/Strob0t/tenantgate/internal/port/database"
)

const tenantColumns = `id, org_id, slug, name, partition_id, tier, status, trial_ends_at,
	grace_ends_at, features, deleted_at, status_since, created_at, updated_at`

func scanTenant(row scannable) (*tenant.Tenant, error) {
	var t tenant.Tenant
	err := row.Scan(&t.ID, &t.OrgID, &t.Slug, &t.Name, &t.PartitionID, &t.Tier, &t.Status,
		&t.TrialEndsAt, &t.GraceEndsAt, &t.Features, &t.DeletedAt, &t.StatusSince, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Tenants ---

func (s *Store) CreateTenant(ctx context.Context, t *tenant.Tenant) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.StatusSince.IsZero() {
		t.StatusSince = now
	}
	t.UpdatedAt = now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (`+tenantColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.OrgID, t.Slug, t.Name, t.PartitionID, t.Tier, t.Status, t.TrialEndsAt,
		t.GraceEndsAt, pgTextArray(t.Features), t.DeletedAt, t.StatusSince, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create tenant %s: %w", t.OrgID, domain.ErrConflict)
		}
		return fmt.Errorf("create tenant %s: %w", t.OrgID, err)
	}
	return nil
}

// GetTenant returns the tenant by id, including soft-deleted ones.
func (s *Store) GetTenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get tenant %s", id)
	}
	return s.withGrants(ctx, t)
}

// GetTenantByOrg returns the tenant mapped to orgID, including soft-deleted ones.
func (s *Store) GetTenantByOrg(ctx context.Context, orgID string) (*tenant.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE org_id = $1`, orgID))
	if err != nil {
		return nil, notFoundWrap(err, "get tenant by org")
	}
	return s.withGrants(ctx, t)
}

func (s *Store) withGrants(ctx context.Context, t *tenant.Tenant) (*tenant.Tenant, error) {
	grants, err := s.ListGrants(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.Grants = grants
	return t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	grants, err := s.allGrants(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tenants {
		tenants[i].Grants = grants[tenants[i].ID]
	}
	return tenants, nil
}

// UpdateTenantStatus applies change only if the stored status still equals
// change.From. A lost race is reported as domain.ErrConflict.
func (s *Store) UpdateTenantStatus(ctx context.Context, id string, change database.StatusChange) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants
		 SET status = $3, status_since = $4, grace_ends_at = $5, deleted_at = $6, updated_at = $4
		 WHERE id = $1 AND status = $2`,
		id, change.From, change.To, change.At, change.GraceEndsAt, change.DeletedAt)
	if err != nil {
		return fmt.Errorf("update tenant status %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tenants WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("update tenant status %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("update tenant status %s: %w", id, domain.ErrNotFound)
	}
	return fmt.Errorf("update tenant status %s: %w", id, domain.ErrConflict)
}

// HardDeleteTenant removes the tenant row; grants and memberships cascade.
// The audit chain is kept.
func (s *Store) HardDeleteTenant(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	return execExpectOne(tag, err, "hard delete tenant %s", id)
}

// --- Feature grants ---

func scanGrant(row scannable) (tenant.Grant, error) {
	var g tenant.Grant
	err := row.Scan(&g.Feature, &g.GrantedBy, &g.Reason, &g.GrantedAt, &g.ExpiresAt)
	return g, err
}

func (s *Store) ListGrants(ctx context.Context, tenantID string) ([]tenant.Grant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT feature, granted_by, reason, granted_at, expires_at
		 FROM feature_grants WHERE tenant_id = $1 ORDER BY feature`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list grants %s: %w", tenantID, err)
	}
	grants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tenant.Grant, error) {
		return scanGrant(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list grants %s: %w", tenantID, err)
	}
	return grants, nil
}

func (s *Store) allGrants(ctx context.Context) (map[string][]tenant.Grant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, feature, granted_by, reason, granted_at, expires_at
		 FROM feature_grants ORDER BY tenant_id, feature`)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]tenant.Grant)
	for rows.Next() {
		var tenantID string
		var g tenant.Grant
		if err := rows.Scan(&tenantID, &g.Feature, &g.GrantedBy, &g.Reason, &g.GrantedAt, &g.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out[tenantID] = append(out[tenantID], g)
	}
	return out, rows.Err()
}

// PutGrant creates or replaces a grant.
func (s *Store) PutGrant(ctx context.Context, tenantID string, g tenant.Grant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO feature_grants (tenant_id, feature, granted_by, reason, granted_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, feature) DO UPDATE
		 SET granted_by = EXCLUDED.granted_by, reason = EXCLUDED.reason,
		     granted_at = EXCLUDED.granted_at, expires_at = EXCLUDED.expires_at`,
		tenantID, g.Feature, g.GrantedBy, g.Reason, g.GrantedAt, g.ExpiresAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("put grant %s: %w", tenantID, domain.ErrNotFound)
		}
		return fmt.Errorf("put grant %s: %w", tenantID, err)
	}
	return nil
}

func (s *Store) DeleteGrant(ctx context.Context, tenantID, feature string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM feature_grants WHERE tenant_id = $1 AND feature = $2`, tenantID, feature)
	return execExpectOne(tag, err, "delete grant %s/%s", tenantID, feature)
}
