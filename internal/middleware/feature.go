package middleware

import (
	"net/http"
	"time"

	"github.com/Strob0t/tenantgate/internal/domain/feature"
	"github.com/Strob0t/tenantgate/internal/service"
)

// RequireFeature returns middleware that admits requests whose tenant is
// entitled to k by tier or explicit grant. A denial carries the upgrade hint
// and nothing behind the gate runs.
func RequireFeature(k feature.Key) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := requestContext(r)
			if err := service.RequireFeature(rc.Tenant, k, time.Now()); err != nil {
				WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
