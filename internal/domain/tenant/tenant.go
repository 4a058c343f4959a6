// Package tenant defines the tenant domain model and the subscription lifecycle.
package tenant

import (
	"fmt"
	"time"
)

// Tier is a subscription tier.
type Tier string

const (
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

var tierRank = map[Tier]int{
	TierStarter:      1,
	TierProfessional: 2,
	TierEnterprise:   3,
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return tierRank[t] > 0
}

// Rank orders tiers from starter (1) to enterprise (3).
func (t Tier) Rank() int {
	return tierRank[t]
}

// Status is a subscription status.
type Status string

const (
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusSuspended Status = "suspended"
	StatusCanceled  Status = "canceled"
)

// transitions lists the statuses reachable from each status.
var transitions = map[Status][]Status{
	StatusTrialing:  {StatusActive, StatusPastDue, StatusSuspended, StatusCanceled},
	StatusActive:    {StatusPastDue, StatusSuspended, StatusCanceled},
	StatusPastDue:   {StatusActive, StatusSuspended, StatusCanceled},
	StatusSuspended: {StatusActive, StatusCanceled},
	StatusCanceled:  {StatusActive},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from -> to is an allowed lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tenant represents one customer organization and its isolated partition.
//
// PartitionID is assigned once at provisioning and never changes. Features is
// a denormalized, display-only copy of the entitlements; enforcement never
// reads it (see feature.Entitlements).
type Tenant struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	Slug        string     `json:"slug"`
	Name        string     `json:"name"`
	PartitionID string     `json:"-"`
	Tier        Tier       `json:"tier"`
	Status      Status     `json:"status"`
	TrialEndsAt *time.Time `json:"trial_ends_at,omitempty"`
	GraceEndsAt *time.Time `json:"grace_ends_at,omitempty"`
	Features    []string   `json:"features,omitempty"`
	DeletedAt   *time.Time `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StatusSince time.Time  `json:"status_since"`
	Grants      []Grant    `json:"grants,omitempty"`
}

// Live reports whether the tenant has not been soft-deleted.
func (t *Tenant) Live() bool {
	return t.DeletedAt == nil
}

// Grant is an explicit, audited administrative feature override layered on
// top of the tier-derived entitlements. It is stored apart from the tenant row.
type Grant struct {
	Feature   string     `json:"feature"`
	GrantedBy string     `json:"granted_by"`
	Reason    string     `json:"reason"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ActiveAt reports whether the grant is in force at now.
func (g Grant) ActiveAt(now time.Time) bool {
	return g.ExpiresAt == nil || now.Before(*g.ExpiresAt)
}

// CreateRequest holds the fields required to provision a new tenant.
type CreateRequest struct {
	OrgID       string     `json:"org_id" validate:"required,max=64"`
	Name        string     `json:"name" validate:"required,max=200"`
	Slug        string     `json:"slug" validate:"required,min=3,max=64"`
	Tier        Tier       `json:"tier" validate:"required,oneof=starter professional enterprise"`
	OwnerID     string     `json:"owner_id" validate:"required,max=128"`
	TrialEndsAt *time.Time `json:"trial_ends_at,omitempty"`
}

// TransitionRequest asks for a subscription status change.
type TransitionRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
	Status   Status `json:"status" validate:"required,oneof=trialing active past_due suspended canceled"`
	EventID  string `json:"event_id,omitempty"`
}

// GrantRequest asks for an explicit feature override.
type GrantRequest struct {
	Reason    string     `json:"reason" validate:"required,max=500"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ParseStatus converts s to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("invalid status %q", s)
	}
	return st, nil
}
