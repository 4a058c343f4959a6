package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/feature"
)

// ErrorResponse is the body of every error returned by tenantgate. Code is
// stable and machine readable; Error is for humans.
type ErrorResponse struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	Feature      string `json:"feature,omitempty"`
	RequiredTier string `json:"required_tier,omitempty"`
	UpgradeHint  string `json:"upgrade_hint,omitempty"`
}

type errorClass struct {
	target  error
	status  int
	code    string
	message string
}

// errorClasses is checked in order with errors.Is. An empty message means
// the error text is safe to return as is.
var errorClasses = []errorClass{
	{domain.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated", "authentication required"},
	{domain.ErrInvalidOrgIdentifier, http.StatusBadRequest, "invalid_organization_identifier", "invalid organization identifier"},
	{domain.ErrNotMember, http.StatusForbidden, "not_organization_member", "not a member of this organization"},
	{domain.ErrInsufficientPermissions, http.StatusForbidden, "insufficient_permissions", "insufficient permissions"},
	{domain.ErrFeatureNotAvailable, http.StatusForbidden, "feature_not_available", "feature not available on current plan"},
	{domain.ErrSubscriptionSuspended, http.StatusForbidden, "subscription_suspended", "subscription suspended"},
	{domain.ErrPaymentRequired, http.StatusPaymentRequired, "payment_required", "payment required: organization is read-only"},
	// A missing tenant and a resource owned by another tenant look the same.
	{domain.ErrTenantNotFound, http.StatusNotFound, "not_found", "not found"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found", "not found"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition", ""},
	{domain.ErrConflict, http.StatusConflict, "conflict", "conflict"},
	{domain.ErrValidation, http.StatusBadRequest, "validation_failed", ""},
	{domain.ErrAuditUnavailable, http.StatusServiceUnavailable, "audit_unavailable", "audit trail unavailable, operation not performed"},
	{domain.ErrPartitionUnavailable, http.StatusServiceUnavailable, "partition_unavailable", "service temporarily unavailable"},
}

// Classify maps err to an HTTP status and its stable code.
func Classify(err error) (status int, code string) {
	for _, c := range errorClasses {
		if errors.Is(err, c.target) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// ErrorBody builds the response body for err. Storage and other internal
// errors never reach the caller.
func ErrorBody(err error) (int, ErrorResponse) {
	for _, c := range errorClasses {
		if !errors.Is(err, c.target) {
			continue
		}
		body := ErrorResponse{Error: c.message, Code: c.code}
		if body.Error == "" {
			body.Error = err.Error()
		}
		var denied *feature.DeniedError
		if errors.As(err, &denied) {
			body.Feature = string(denied.Feature)
			body.RequiredTier = string(denied.RequiredTier)
			body.UpgradeHint = denied.UpgradeHint
		}
		return c.status, body
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "internal_error"}
}

// WriteError logs err and writes its JSON representation.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := ErrorBody(err)
	ctx := r.Context()
	switch {
	case status >= http.StatusInternalServerError:
		slog.ErrorContext(ctx, "request failed", "code", body.Code, "method", r.Method, "path", r.URL.Path, "error", err)
	case status == http.StatusNotFound || status == http.StatusBadRequest:
		slog.DebugContext(ctx, "request rejected", "code", body.Code, "path", r.URL.Path, "error", err)
	default:
		slog.InfoContext(ctx, "request denied", "code", body.Code, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}
