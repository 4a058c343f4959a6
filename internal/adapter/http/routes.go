package http

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/tenantgate/internal/domain/feature"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/middleware"
)

const defaultEventTTL = 72 * time.Hour

// MountRoutes registers all routes on the given chi router.
//
// Every /api/v1/org route runs the access pipeline in a fixed order:
// authenticate, membership, subscription standing, then role and feature.
// Routes that touch tenant data also bind the tenant partition between
// standing and the role check.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	eventTTL := h.EventTTL
	if eventTTL <= 0 {
		eventTTL = defaultEventTTL
	}

	// Billing system callbacks (outside the session pipeline, HMAC signed)
	r.With(
		middleware.WebhookHMAC(h.BillingSecret, middleware.HeaderBillingSignature),
		middleware.Idempotency(h.Events, middleware.HeaderBillingEventID, eventTTL),
	).Post("/api/v1/billing/webhook", h.BillingWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(h.Verifier, h.Metrics))

		r.Post("/session/logout", h.Logout)

		r.Route("/org", func(r chi.Router) {
			r.Use(middleware.ResolveTenant(h.Guard, h.Metrics))

			// Billing stays reachable in every status so the owner can reactivate.
			r.With(middleware.BillingStanding(h.Metrics), middleware.RequireRole(member.RoleOwner)).
				Get("/billing", h.GetBilling)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Standing(h.Metrics))

				r.With(middleware.RequireRole(member.RoleViewer)).Get("/", h.GetOrg)
				r.With(middleware.RequireRole(member.RoleViewer)).Get("/features", h.ListFeatures)
				r.With(middleware.RequireRole(member.RoleViewer)).Patch("/profile", h.UpdateProfile)

				// Members
				r.With(middleware.RequireRole(member.RoleViewer)).Get("/members", h.ListMembers)
				r.With(middleware.RequireRole(member.RoleAdmin)).Put("/members/{principalID}/role", h.ChangeRole)

				// Audit
				r.With(middleware.RequireRole(member.RoleAdmin), middleware.RequireFeature(feature.AuditLog)).
					Get("/audit", h.ListAudit)
				r.With(middleware.RequireRole(member.RoleAdmin)).Get("/audit/verify", h.VerifyAudit)

				// Records (partition bound)
				r.Route("/records", func(r chi.Router) {
					r.Use(middleware.BindPartition(h.Router))
					r.With(middleware.RequireRole(member.RoleViewer)).Get("/", h.ListRecords)
					r.With(middleware.RequireRole(member.RoleMember)).Post("/", h.CreateRecord)
					r.With(middleware.RequireRole(member.RoleMember), middleware.RequireFeature(feature.DataExport)).
						Post("/export", h.ExportRecords)
					r.With(middleware.RequireRole(member.RoleViewer)).Get("/{id}", h.GetRecord)
					r.With(middleware.RequireRole(member.RoleAdmin)).Delete("/{id}", h.DeleteRecord)
				})
			})
		})
	})
}
