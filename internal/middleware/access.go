package middleware

import (
	"net/http"

	"github.com/Strob0t/tenantgate/internal/domain/access"
	"github.com/Strob0t/tenantgate/internal/logger"
)

// requestContext returns the access context built so far for r, or a new
// one carrying only the request id and client address.
func requestContext(r *http.Request) access.RequestContext {
	if rc, ok := access.FromContext(r.Context()); ok {
		return rc
	}
	return access.RequestContext{
		RequestID: logger.RequestID(r.Context()),
		ClientIP:  realIP(r),
	}
}

// withRequestContext returns r carrying rc.
func withRequestContext(r *http.Request, rc access.RequestContext) *http.Request {
	return r.WithContext(access.NewContext(r.Context(), rc))
}

// isWrite reports whether the method can change state.
func isWrite(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}
