// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request failed input validation.
var ErrValidation = errors.New("validation failed")

// Access pipeline errors. Each maps to one stable code at the HTTP boundary.
var (
	// ErrUnauthenticated covers missing, malformed, expired, revoked or badly signed credentials.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidOrgIdentifier is returned before any lookup when the claimed
	// organization id fails the syntax allow-list.
	ErrInvalidOrgIdentifier = errors.New("invalid organization identifier")

	// ErrTenantNotFound is returned when no live tenant maps to the organization.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrNotMember is returned when the principal is not a member of the claimed organization.
	ErrNotMember = errors.New("not an organization member")

	// ErrInsufficientPermissions is returned when the caller's role rank is too low.
	ErrInsufficientPermissions = errors.New("insufficient permissions")

	// ErrFeatureNotAvailable is returned when the tenant is not entitled to a feature.
	ErrFeatureNotAvailable = errors.New("feature not available")

	// ErrSubscriptionSuspended is returned for suspended or canceled tenants.
	ErrSubscriptionSuspended = errors.New("subscription suspended")

	// ErrPaymentRequired is returned for writes while the tenant is past due.
	ErrPaymentRequired = errors.New("payment required")

	// ErrInvalidTransition is returned when a subscription status change is not allowed.
	ErrInvalidTransition = errors.New("invalid subscription transition")

	// ErrAuditUnavailable is returned when a sensitive action cannot be durably audited.
	ErrAuditUnavailable = errors.New("audit trail unavailable")

	// ErrPartitionUnavailable is returned when no partition connection could be bound.
	ErrPartitionUnavailable = errors.New("partition unavailable")
)
