package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/access"
	"github.com/Strob0t/tenantgate/internal/domain/audit"
	"github.com/Strob0t/tenantgate/internal/domain/feature"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
	"github.com/Strob0t/tenantgate/internal/port/database"
)

// RequireFeature checks that t may use k, from its tier and its explicit
// grants only. The denial carries the upgrade hint.
func RequireFeature(t *tenant.Tenant, k feature.Key, now time.Time) error {
	if t == nil {
		return domain.ErrTenantNotFound
	}
	if feature.Entitled(t.Tier, t.Grants, k, now) {
		return nil
	}
	return feature.Deny(k, t.Tier)
}

// FeatureService manages explicit feature grants.
type FeatureService struct {
	store database.TenantStore
	dir   *Directory
	audit *AuditService
	now   func() time.Time
}

// NewFeatureService creates a FeatureService.
func NewFeatureService(store database.TenantStore, dir *Directory, auditor *AuditService) *FeatureService {
	return &FeatureService{store: store, dir: dir, audit: auditor, now: time.Now}
}

// Entitlements lists the features the request's tenant may use now.
func (s *FeatureService) Entitlements(rc access.RequestContext) []feature.Key {
	if rc.Tenant == nil {
		return nil
	}
	return feature.Entitlements(rc.Tenant, s.now())
}

// Grant adds an explicit, audited override giving tenantID feature k.
func (s *FeatureService) Grant(ctx context.Context, actor, tenantID string, k feature.Key, req tenant.GrantRequest) (*tenant.Grant, error) {
	if !k.Known() {
		return nil, fmt.Errorf("%w: unknown feature %q", domain.ErrValidation, k)
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", domain.ErrValidation)
	}
	t, err := s.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	g := tenant.Grant{
		Feature:   string(k),
		GrantedBy: actor,
		Reason:    req.Reason,
		GrantedAt: now,
		ExpiresAt: req.ExpiresAt,
	}
	entry := audit.Entry{
		TenantID:    t.ID,
		PrincipalID: actor,
		Action:      audit.ActionFeatureGrant,
		Resource:    "feature/" + string(k),
	}
	err = s.audit.Guard(ctx, entry, func(ctx context.Context) error {
		return s.store.PutGrant(ctx, t.ID, g)
	})
	if err != nil {
		return nil, err
	}
	if err := s.dir.InvalidateTenant(ctx, t); err != nil {
		slog.ErrorContext(ctx, "tenant cache eviction failed after grant", "tenant_id", t.ID, "feature", k, "error", err)
	}
	return &g, nil
}

// Revoke removes the explicit grant of k from tenantID. Tier-derived
// entitlements are unaffected.
func (s *FeatureService) Revoke(ctx context.Context, actor, tenantID string, k feature.Key) error {
	if !k.Known() {
		return fmt.Errorf("%w: unknown feature %q", domain.ErrValidation, k)
	}
	t, err := s.tenant(ctx, tenantID)
	if err != nil {
		return err
	}
	entry := audit.Entry{
		TenantID:    t.ID,
		PrincipalID: actor,
		Action:      audit.ActionFeatureRevoke,
		Resource:    "feature/" + string(k),
	}
	err = s.audit.Guard(ctx, entry, func(ctx context.Context) error {
		return s.store.DeleteGrant(ctx, t.ID, string(k))
	})
	if err != nil {
		return err
	}
	if err := s.dir.InvalidateTenant(ctx, t); err != nil {
		slog.ErrorContext(ctx, "tenant cache eviction failed after revoke", "tenant_id", t.ID, "feature", k, "error", err)
	}
	return nil
}

func (s *FeatureService) tenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	t, err := s.store.GetTenant(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrTenantNotFound
	}
	return t, err
}
