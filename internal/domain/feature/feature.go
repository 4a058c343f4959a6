// Package feature maps subscription tiers to feature entitlements.
//
// Entitlement is always computed from the tenant's tier plus the set of
// explicit, separately stored grants. The denormalized tenant.Features field
// is never consulted, so editing it cannot unlock anything.
package feature

import (
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
)

// Key identifies a gated capability.
type Key string

const (
	BasicRecords      Key = "basic_records"
	DataExport        Key = "data_export"
	AuditLog          Key = "audit_log"
	APIAccess         Key = "api_access"
	SSO               Key = "sso"
	CustomRoles       Key = "custom_roles"
	AdvancedAnalytics Key = "advanced_analytics"
)

// minimumTier is the lowest tier that includes each feature.
var minimumTier = map[Key]tenant.Tier{
	BasicRecords:      tenant.TierStarter,
	DataExport:        tenant.TierProfessional,
	AuditLog:          tenant.TierProfessional,
	APIAccess:         tenant.TierProfessional,
	SSO:               tenant.TierEnterprise,
	CustomRoles:       tenant.TierEnterprise,
	AdvancedAnalytics: tenant.TierEnterprise,
}

// UpgradePath is the base of the upgrade link returned on denial.
const UpgradePath = "/billing/upgrade"

// Known reports whether k is in the catalogue.
func (k Key) Known() bool {
	_, ok := minimumTier[k]
	return ok
}

// RequiredTier returns the lowest tier that includes k.
func RequiredTier(k Key) (tenant.Tier, bool) {
	t, ok := minimumTier[k]
	return t, ok
}

// ForTier returns the features included in a tier, sorted.
func ForTier(t tenant.Tier) []Key {
	var keys []Key
	for k, min := range minimumTier {
		if t.Valid() && t.Rank() >= min.Rank() {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Entitled reports whether a tenant on tier t holding grants may use k at now.
func Entitled(t tenant.Tier, grants []tenant.Grant, k Key, now time.Time) bool {
	if min, ok := minimumTier[k]; ok && t.Valid() && t.Rank() >= min.Rank() {
		return true
	}
	for _, g := range grants {
		if Key(g.Feature) == k && g.ActiveAt(now) {
			return true
		}
	}
	return false
}

// Entitlements returns every feature the tenant may use at now, sorted.
func Entitlements(t *tenant.Tenant, now time.Time) []Key {
	keys := ForTier(t.Tier)
	for _, g := range t.Grants {
		k := Key(g.Feature)
		if g.ActiveAt(now) && !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// DeniedError describes a feature denial with enough information to render
// an upgrade prompt. It matches domain.ErrFeatureNotAvailable.
type DeniedError struct {
	Feature      Key         `json:"feature"`
	CurrentTier  tenant.Tier `json:"current_tier"`
	RequiredTier tenant.Tier `json:"required_tier,omitempty"`
	UpgradeHint  string      `json:"upgrade_hint"`
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("feature %q not available on tier %q", e.Feature, e.CurrentTier)
}

// Is makes errors.Is(err, domain.ErrFeatureNotAvailable) hold.
func (e *DeniedError) Is(target error) bool {
	return target == domain.ErrFeatureNotAvailable
}

// Deny builds the denial for k on tier current.
func Deny(k Key, current tenant.Tier) *DeniedError {
	required, _ := RequiredTier(k)
	q := url.Values{}
	q.Set("feature", string(k))
	if required != "" {
		q.Set("tier", string(required))
	}
	return &DeniedError{
		Feature:      k,
		CurrentTier:  current,
		RequiredTier: required,
		UpgradeHint:  UpgradePath + "?" + q.Encode(),
	}
}
