package member

import "time"

// Principal is an authenticated caller as asserted by the identity provider.
// It carries no tenant authority on its own: ClaimedOrg is whatever the
// credential says and must be resolved through a membership lookup.
type Principal struct {
	ID         string    `json:"id"`
	ClaimedOrg string    `json:"claimed_org,omitempty"`
	TokenID    string    `json:"-"`
	ExpiresAt  time.Time `json:"-"`
}

// Membership relates a principal to one tenant with exactly one role.
type Membership struct {
	PrincipalID string    `json:"principal_id"`
	TenantID    string    `json:"tenant_id"`
	OrgID       string    `json:"org_id"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleChangeRequest is the body of a role change issued by another member.
type RoleChangeRequest struct {
	Role Role `json:"role" validate:"required,oneof=viewer member admin owner"`
}

// ProfileUpdate is the only self-service mutation a member may make to
// their own membership. It deliberately has no role field.
type ProfileUpdate struct {
	DisplayName string `json:"display_name" validate:"required,min=1,max=128"`
}
