// Package access defines the request-scoped context assembled by the access
// pipeline. A RequestContext is a value: each stage returns a copy with its
// own field filled in, so no later component can change what an earlier
// stage decided.
package access

import (
	"context"

	"github.com/Strob0t/tenantgate/internal/domain/audit"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
	"github.com/Strob0t/tenantgate/internal/port/partition"
)

// Standing is the subscription gate decision for the request.
type Standing string

const (
	StandingAllow    Standing = "allow"
	StandingReadOnly Standing = "read_only"
)

// RequestContext carries everything resolved for one request.
type RequestContext struct {
	RequestID  string
	ClientIP   string
	Principal  *member.Principal
	Membership *member.Membership
	Tenant     *tenant.Tenant
	Standing   Standing
	Session    partition.Session
}

// WithPrincipal returns a copy of rc carrying p.
func (rc RequestContext) WithPrincipal(p *member.Principal) RequestContext {
	rc.Principal = p
	return rc
}

// WithMembership returns a copy of rc carrying the resolved membership and tenant.
func (rc RequestContext) WithMembership(m *member.Membership, t *tenant.Tenant) RequestContext {
	rc.Membership = m
	rc.Tenant = t
	return rc
}

// WithStanding returns a copy of rc carrying the subscription decision.
func (rc RequestContext) WithStanding(s Standing) RequestContext {
	rc.Standing = s
	return rc
}

// WithSession returns a copy of rc bound to a partition session.
func (rc RequestContext) WithSession(s partition.Session) RequestContext {
	rc.Session = s
	return rc
}

// PrincipalID returns the principal id or "" when unauthenticated.
func (rc RequestContext) PrincipalID() string {
	if rc.Principal == nil {
		return ""
	}
	return rc.Principal.ID
}

// TenantID returns the resolved tenant id or "".
func (rc RequestContext) TenantID() string {
	if rc.Tenant == nil {
		return ""
	}
	return rc.Tenant.ID
}

// Entry starts an audit entry attributed to this request. Outcome is left
// for the caller.
func (rc RequestContext) Entry(action audit.Action, resource string) audit.Entry {
	return audit.Entry{
		TenantID:    rc.TenantID(),
		PrincipalID: rc.PrincipalID(),
		Action:      action,
		Resource:    resource,
		CallerIP:    rc.ClientIP,
	}
}

type ctxKey struct{}

// NewContext stores rc in ctx.
func NewContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext returns the RequestContext stored in ctx.
func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(RequestContext)
	return rc, ok
}
