package http

import (
	"net/http"

	"github.com/Strob0t/tenantgate/internal/domain/audit"
	"github.com/Strob0t/tenantgate/internal/middleware"
)

// ListAudit handles GET /api/v1/org/audit?after=<seq>&limit=<n>
func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	after, err := queryInt(r, "after", 0)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	entries, err := h.Audit.List(r.Context(), rc.TenantID(), after, int(limit))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// VerifyAudit handles GET /api/v1/org/audit/verify
func (h *Handlers) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	rep, err := h.Audit.Verify(r.Context(), rc.TenantID())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
