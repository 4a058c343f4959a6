package middleware

import (
	"context"
	"net/http"

	"github.com/Strob0t/tenantgate/internal/adapter/otel"
	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
	"github.com/Strob0t/tenantgate/internal/logger"
)

// HeaderOrganizationID carries the organization the caller acts for.
const HeaderOrganizationID = "X-Organization-ID"

// MembershipResolver maps a principal and a claimed organization to a
// membership and tenant.
type MembershipResolver interface {
	Resolve(ctx context.Context, p *member.Principal, claimedOrg string) (*member.Membership, *tenant.Tenant, error)
}

// ResolveTenant is the second pipeline stage. The organization header is
// untrusted input; it is validated and checked against the principal's
// memberships before a tenant is attached to the request.
func ResolveTenant(g MembershipResolver, metrics *otel.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := otel.StartStageSpan(r.Context(), "membership")
			defer span.End()
			r = r.WithContext(ctx)

			rc := requestContext(r)
			if rc.Principal == nil {
				WriteError(w, r, domain.ErrUnauthenticated)
				return
			}
			m, t, err := g.Resolve(ctx, rc.Principal, r.Header.Get(HeaderOrganizationID))
			if err != nil {
				_, code := Classify(err)
				metrics.Decision(ctx, "membership", code)
				WriteError(w, r, err)
				return
			}
			metrics.Decision(ctx, "membership", "allow")

			r = withRequestContext(r, rc.WithMembership(m, t))
			r = r.WithContext(logger.WithTenantID(r.Context(), t.ID))
			next.ServeHTTP(w, r)
		})
	}
}
