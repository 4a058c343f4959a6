package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/tenantgate/internal/adapter/otel"
	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/feature"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
	"github.com/Strob0t/tenantgate/internal/middleware"
	"github.com/Strob0t/tenantgate/internal/port/cache"
	"github.com/Strob0t/tenantgate/internal/service"
)

const defaultBodyLimit = 1 << 20

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Verifier      *service.PrincipalVerifier
	Guard         *service.MembershipGuard
	Router        *service.PartitionRouter
	Members       *service.MembershipService
	Features      *service.FeatureService
	Records       *service.RecordService
	Audit         *service.AuditService
	Subscriptions *service.SubscriptionService
	Metrics       *otel.Metrics

	// BillingSecret returns the current webhook HMAC key.
	BillingSecret func() string
	// Events deduplicates billing deliveries by event id.
	Events   cache.Cache
	EventTTL time.Duration

	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready     func(ctx context.Context) error
	BodyLimit int64
}

func (h *Handlers) bodyLimit() int64 {
	if h.BodyLimit > 0 {
		return h.BodyLimit
	}
	return defaultBodyLimit
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// OrgSummary is the response of GET /api/v1/org.
type OrgSummary struct {
	Tenant       *tenant.Tenant `json:"tenant"`
	Role         member.Role    `json:"role"`
	Standing     string         `json:"standing"`
	Entitlements []feature.Key  `json:"entitlements"`
}

// GetOrg handles GET /api/v1/org
func (h *Handlers) GetOrg(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, OrgSummary{
		Tenant:       rc.Tenant,
		Role:         rc.Membership.Role,
		Standing:     string(rc.Standing),
		Entitlements: h.Features.Entitlements(rc),
	})
}

// ListFeatures handles GET /api/v1/org/features
func (h *Handlers) ListFeatures(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tier":     rc.Tenant.Tier,
		"features": h.Features.Entitlements(rc),
	})
}

// BillingSummary is the response of GET /api/v1/org/billing.
type BillingSummary struct {
	Status      tenant.Status `json:"status"`
	Tier        tenant.Tier   `json:"tier"`
	StatusSince time.Time     `json:"status_since"`
	GraceEndsAt *time.Time    `json:"grace_ends_at,omitempty"`
	ReadOnly    bool          `json:"read_only"`
	Reactivate  string        `json:"reactivate,omitempty"`
}

// reactivatePath is where the billing system takes payment to reactivate.
const reactivatePath = "/billing/reactivate"

// GetBilling handles GET /api/v1/org/billing
func (h *Handlers) GetBilling(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	t := rc.Tenant
	sum := BillingSummary{
		Status:      t.Status,
		Tier:        t.Tier,
		StatusSince: t.StatusSince,
		GraceEndsAt: t.GraceEndsAt,
	}
	switch t.Status {
	case tenant.StatusPastDue, tenant.StatusSuspended, tenant.StatusCanceled:
		sum.ReadOnly = true
		sum.Reactivate = reactivatePath + "?org=" + t.OrgID
	}
	writeJSON(w, http.StatusOK, sum)
}

// ListMembers handles GET /api/v1/org/members
func (h *Handlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	members, err := h.Members.List(r.Context(), rc)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if members == nil {
		members = []member.Membership{}
	}
	writeJSON(w, http.StatusOK, members)
}

// ChangeRole handles PUT /api/v1/org/members/{principalID}/role
func (h *Handlers) ChangeRole(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[member.RoleChangeRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	m, err := h.Members.ChangeRole(r.Context(), rc, urlParam(r, "principalID"), req)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// UpdateProfile handles PATCH /api/v1/org/profile
func (h *Handlers) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[member.ProfileUpdate](w, r, h.bodyLimit())
	if !ok {
		return
	}
	m, err := h.Members.UpdateProfile(r.Context(), rc, req)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Logout handles POST /api/v1/session/logout
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	if err := h.Verifier.Revoke(r.Context(), rc.Principal); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	slog.InfoContext(r.Context(), "session revoked")
	w.WriteHeader(http.StatusNoContent)
}

// BillingWebhook handles POST /api/v1/billing/webhook
func (h *Handlers) BillingWebhook(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[tenant.TransitionRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	if req.TenantID == "" {
		middleware.WriteError(w, r, errors.Join(domain.ErrValidation, errors.New("tenant_id is required")))
		return
	}
	t, err := h.Subscriptions.Transition(r.Context(), service.ActorBilling, req.TenantID, req.Status)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": t.ID,
		"status":    t.Status,
	})
}
