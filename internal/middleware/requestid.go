// Package middleware implements the tenantgate access pipeline as chi
// compatible HTTP middleware, plus the ambient request handling around it.
package middleware

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"github.com/Strob0t/tenantgate/internal/logger"
)

const headerRequestID = "X-Request-ID"

// requestIDPattern bounds caller-supplied ids before they reach logs.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// RequestID is HTTP middleware that extracts X-Request-ID from the request
// header or generates a new one. The ID is stored in the context and set
// on the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if !requestIDPattern.MatchString(id) {
			id = uuid.NewString()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
