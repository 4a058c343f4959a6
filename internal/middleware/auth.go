package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/Strob0t/tenantgate/internal/adapter/otel"
	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/logger"
)

// Verifier validates a raw session credential.
type Verifier interface {
	Verify(ctx context.Context, raw string) (*member.Principal, error)
}

// Authenticate is the first pipeline stage. It requires an
// "Authorization: Bearer <token>" header and stores the verified principal.
func Authenticate(v Verifier, metrics *otel.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := otel.StartStageSpan(r.Context(), "authenticate")
			defer span.End()
			r = r.WithContext(ctx)

			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				metrics.Decision(ctx, "authenticate", "unauthenticated")
				WriteError(w, r, domain.ErrUnauthenticated)
				return
			}
			p, err := v.Verify(ctx, raw)
			if err != nil {
				metrics.Decision(ctx, "authenticate", "unauthenticated")
				WriteError(w, r, err)
				return
			}
			metrics.Decision(ctx, "authenticate", "allow")

			rc := requestContext(r).WithPrincipal(p)
			r = withRequestContext(r, rc)
			r = r.WithContext(logger.WithPrincipalID(r.Context(), p.ID))
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
