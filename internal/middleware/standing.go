package middleware

import (
	"net/http"

	"github.com/Strob0t/tenantgate/internal/adapter/otel"
	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/service"
)

// Standing is the third pipeline stage. It enforces the tenant's
// subscription status: past_due tenants are read-only, suspended and
// canceled tenants are refused. It runs before any role or feature check,
// so no role can bypass it.
func Standing(metrics *otel.Metrics) func(http.Handler) http.Handler {
	return standing(metrics, false)
}

// BillingStanding replaces Standing on billing-management routes, which stay
// reachable in every status so the tenant can reactivate.
func BillingStanding(metrics *otel.Metrics) func(http.Handler) http.Handler {
	return standing(metrics, true)
}

func standing(metrics *otel.Metrics, billing bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := otel.StartStageSpan(r.Context(), "standing")
			defer span.End()
			r = r.WithContext(ctx)

			rc := requestContext(r)
			if rc.Tenant == nil {
				WriteError(w, r, domain.ErrTenantNotFound)
				return
			}
			s, err := service.CheckOperation(rc.Tenant, service.Operation{Write: isWrite(r.Method), Billing: billing})
			if err != nil {
				_, code := Classify(err)
				metrics.Decision(ctx, "standing", code)
				WriteError(w, r, err)
				return
			}
			metrics.Decision(ctx, "standing", string(s))
			next.ServeHTTP(w, withRequestContext(r, rc.WithStanding(s)))
		})
	}
}
