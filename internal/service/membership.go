package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/access"
	"github.com/Strob0t/tenantgate/internal/domain/audit"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
	"github.com/Strob0t/tenantgate/internal/port/database"
)

// orgIDPattern is the only accepted organization id syntax: an ASCII
// alphanumeric first character followed by up to 63 alphanumerics,
// underscores or hyphens. Quotes, whitespace, control characters, path
// separators and every SQL metacharacter fall outside it.
var orgIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// reservedSegments are rejected as whole underscore/hyphen separated
// segments even though they match the pattern.
var reservedSegments = map[string]bool{
	"select": true, "insert": true, "update": true, "delete": true,
	"drop": true, "union": true, "truncate": true, "alter": true,
	"exec": true, "create": true, "grant": true,
}

// ValidateOrgID checks raw against the organization id allow-list. It runs
// before any lookup; a rejected value never reaches a store or cache.
func ValidateOrgID(raw string) error {
	if !orgIDPattern.MatchString(raw) {
		return domain.ErrInvalidOrgIdentifier
	}
	for _, seg := range strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return r == '_' || r == '-'
	}) {
		if reservedSegments[seg] {
			return domain.ErrInvalidOrgIdentifier
		}
	}
	return nil
}

// MembershipGuard confirms that a principal belongs to the organization it
// claims, using the synchronized membership lists.
type MembershipGuard struct {
	dir *Directory
}

// NewMembershipGuard creates a MembershipGuard.
func NewMembershipGuard(dir *Directory) *MembershipGuard {
	return &MembershipGuard{dir: dir}
}

// Resolve returns the principal's membership in claimedOrg and the tenant it
// maps to. An empty claimedOrg falls back to the org claim of the token.
func (g *MembershipGuard) Resolve(ctx context.Context, p *member.Principal, claimedOrg string) (*member.Membership, *tenant.Tenant, error) {
	if p == nil {
		return nil, nil, domain.ErrUnauthenticated
	}
	org := claimedOrg
	if org == "" {
		org = p.ClaimedOrg
	}
	if err := ValidateOrgID(org); err != nil {
		// The raw value is attacker controlled; log its shape only.
		slog.InfoContext(ctx, "organization identifier rejected", "length", len(org))
		return nil, nil, err
	}

	t, err := g.dir.ResolveOrg(ctx, org)
	if err != nil {
		return nil, nil, err
	}

	ms, err := g.dir.Memberships(ctx, p.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load memberships: %w", err)
	}
	for i := range ms {
		if ms[i].TenantID == t.ID {
			m := ms[i]
			return &m, t, nil
		}
	}
	return nil, nil, domain.ErrNotMember
}

// CanChangeRole reports whether an actor holding actorRole may move a member
// from currentRole to newRole. The actor must be an admin or owner, rank
// strictly above the target's current role, and may only grant a role below
// its own unless it is an owner.
func CanChangeRole(actorRole, currentRole, newRole member.Role) error {
	if !newRole.Valid() {
		return fmt.Errorf("%w: unknown role %q", domain.ErrValidation, newRole)
	}
	if !actorRole.AtLeast(member.RoleAdmin) {
		return domain.ErrInsufficientPermissions
	}
	if !actorRole.Above(currentRole) {
		return domain.ErrInsufficientPermissions
	}
	if actorRole != member.RoleOwner && !actorRole.Above(newRole) {
		return domain.ErrInsufficientPermissions
	}
	return nil
}

// MembershipService handles membership reads and mutations made through the
// API. Role changes are sensitive and audited before they take effect.
type MembershipService struct {
	store database.Store
	dir   *Directory
	audit *AuditService
}

// NewMembershipService creates a MembershipService.
func NewMembershipService(store database.Store, dir *Directory, auditor *AuditService) *MembershipService {
	return &MembershipService{store: store, dir: dir, audit: auditor}
}

// List returns the members of the request's tenant.
func (s *MembershipService) List(ctx context.Context, rc access.RequestContext) ([]member.Membership, error) {
	return s.store.ListTenantMembers(ctx, rc.TenantID())
}

// ChangeRole sets targetID's role in the request's tenant. Nobody can change
// their own role, and both memberships are re-read from the store so that a
// cached role cannot authorize the change.
func (s *MembershipService) ChangeRole(ctx context.Context, rc access.RequestContext, targetID string, req member.RoleChangeRequest) (*member.Membership, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	tenantID := rc.TenantID()
	actorID := rc.PrincipalID()
	if targetID == actorID {
		return nil, fmt.Errorf("change own role: %w", domain.ErrInsufficientPermissions)
	}

	actor, err := s.store.GetMembership(ctx, tenantID, actorID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotMember
		}
		return nil, fmt.Errorf("load actor membership: %w", err)
	}
	target, err := s.store.GetMembership(ctx, tenantID, targetID)
	if err != nil {
		return nil, err
	}
	if err := CanChangeRole(actor.Role, target.Role, req.Role); err != nil {
		s.audit.Denied(ctx, rc, audit.ActionRoleChange, "member/"+targetID)
		return nil, err
	}

	entry := rc.Entry(audit.ActionRoleChange, fmt.Sprintf("member/%s:%s->%s", targetID, target.Role, req.Role))
	err = s.audit.Guard(ctx, entry, func(ctx context.Context) error {
		return s.store.UpdateRole(ctx, tenantID, targetID, req.Role)
	})
	if err != nil {
		return nil, err
	}
	if err := s.dir.InvalidatePrincipal(ctx, targetID); err != nil {
		slog.ErrorContext(ctx, "membership cache eviction failed", "error", err)
	}

	target.Role = req.Role
	return target, nil
}

// UpdateProfile changes the caller's own display name. ProfileUpdate has no
// role field, so whatever else the body carried is never applied.
func (s *MembershipService) UpdateProfile(ctx context.Context, rc access.RequestContext, req member.ProfileUpdate) (*member.Membership, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	tenantID, principalID := rc.TenantID(), rc.PrincipalID()
	if err := s.store.UpdateDisplayName(ctx, tenantID, principalID, req.DisplayName); err != nil {
		return nil, err
	}
	_ = s.audit.Record(ctx, rc.Entry(audit.ActionProfileUpdate, "member/"+principalID).WithOutcome(audit.OutcomeSuccess))
	if err := s.dir.InvalidatePrincipal(ctx, principalID); err != nil {
		slog.ErrorContext(ctx, "membership cache eviction failed", "error", err)
	}
	return s.store.GetMembership(ctx, tenantID, principalID)
}

// Sync upserts a membership reported by the identity provider. actor is
// the sync process or operator issuing it.
func (s *MembershipService) Sync(ctx context.Context, actor string, m *member.Membership) error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", domain.ErrValidation, m.Role)
	}
	if _, err := s.store.GetTenant(ctx, m.TenantID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrTenantNotFound
		}
		return err
	}
	entry := audit.Entry{
		TenantID:    m.TenantID,
		PrincipalID: actor,
		Action:      audit.ActionRoleChange,
		Resource:    fmt.Sprintf("member/%s:sync->%s", m.PrincipalID, m.Role),
	}
	err := s.audit.Guard(ctx, entry, func(ctx context.Context) error {
		return s.store.UpsertMembership(ctx, m)
	})
	if err != nil {
		return err
	}
	return s.dir.InvalidatePrincipal(ctx, m.PrincipalID)
}
