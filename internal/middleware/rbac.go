package middleware

import (
	"net/http"

	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/service"
)

// RequireRole returns middleware that admits members whose role in the
// request's tenant ranks at least min.
func RequireRole(min member.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := requestContext(r)
			if err := service.RequireRole(rc.Membership, min); err != nil {
				WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
