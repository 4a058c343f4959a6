package middleware

import (
	"net/http"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/service"
)

// BindPartition is the fourth pipeline stage. It binds the request to its
// tenant's partition for the rest of the chain and unbinds when the chain
// returns, whether it returns normally, with an error response or by panic.
func BindPartition(router *service.PartitionRouter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := requestContext(r)
			if rc.Tenant == nil || rc.Standing == "" {
				WriteError(w, r, domain.ErrTenantNotFound)
				return
			}
			b, err := router.Bind(r.Context(), rc.Tenant)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			defer b.Unbind()

			next.ServeHTTP(w, withRequestContext(r, rc.WithSession(b.Session())))
		})
	}
}
