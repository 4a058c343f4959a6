package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/member"
)

const membershipSelect = `SELECT m.principal_id, m.tenant_id, t.org_id, m.role, m.display_name, m.created_at, m.updated_at
	FROM memberships m JOIN tenants t ON t.id = m.tenant_id`

func scanMembership(row scannable) (member.Membership, error) {
	var m member.Membership
	err := row.Scan(&m.PrincipalID, &m.TenantID, &m.OrgID, &m.Role, &m.DisplayName, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func (s *Store) queryMemberships(ctx context.Context, query string, arg any) ([]member.Membership, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []member.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMemberships returns every membership held by principalID.
func (s *Store) ListMemberships(ctx context.Context, principalID string) ([]member.Membership, error) {
	ms, err := s.queryMemberships(ctx, membershipSelect+` WHERE m.principal_id = $1 ORDER BY m.created_at`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	return ms, nil
}

// ListTenantMembers returns the members of tenantID.
func (s *Store) ListTenantMembers(ctx context.Context, tenantID string) ([]member.Membership, error) {
	ms, err := s.queryMemberships(ctx, membershipSelect+` WHERE m.tenant_id = $1 ORDER BY m.principal_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tenant members %s: %w", tenantID, err)
	}
	return ms, nil
}

func (s *Store) GetMembership(ctx context.Context, tenantID, principalID string) (*member.Membership, error) {
	m, err := scanMembership(s.pool.QueryRow(ctx,
		membershipSelect+` WHERE m.tenant_id = $1 AND m.principal_id = $2`, tenantID, principalID))
	if err != nil {
		return nil, notFoundWrap(err, "get membership")
	}
	return &m, nil
}

// UpsertMembership creates or replaces a membership. The display name of an
// existing membership is kept when m carries none.
func (s *Store) UpsertMembership(ctx context.Context, m *member.Membership) error {
	if !m.Role.Valid() {
		return fmt.Errorf("upsert membership: role %q: %w", m.Role, domain.ErrValidation)
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memberships (tenant_id, principal_id, role, display_name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (tenant_id, principal_id) DO UPDATE
		 SET role = EXCLUDED.role,
		     display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), memberships.display_name),
		     updated_at = EXCLUDED.updated_at`,
		m.TenantID, m.PrincipalID, m.Role, m.DisplayName, now)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("upsert membership: tenant %s: %w", m.TenantID, domain.ErrNotFound)
		}
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (s *Store) UpdateRole(ctx context.Context, tenantID, principalID string, role member.Role) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memberships SET role = $3, updated_at = now() WHERE tenant_id = $1 AND principal_id = $2`,
		tenantID, principalID, role)
	return execExpectOne(tag, err, "update role")
}

func (s *Store) UpdateDisplayName(ctx context.Context, tenantID, principalID, name string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memberships SET display_name = $3, updated_at = now() WHERE tenant_id = $1 AND principal_id = $2`,
		tenantID, principalID, name)
	return execExpectOne(tag, err, "update display name")
}
