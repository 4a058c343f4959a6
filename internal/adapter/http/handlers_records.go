package http

import (
	"net/http"

	"github.com/Strob0t/tenantgate/internal/domain/record"
	"github.com/Strob0t/tenantgate/internal/middleware"
)

// ListRecords handles GET /api/v1/org/records
func (h *Handlers) ListRecords(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	records, err := h.Records.List(r.Context(), rc)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// GetRecord handles GET /api/v1/org/records/{id}
func (h *Handlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	rec, err := h.Records.Get(r.Context(), rc, urlParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CreateRecord handles POST /api/v1/org/records
func (h *Handlers) CreateRecord(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[record.CreateRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	rec, err := h.Records.Create(r.Context(), rc, req)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// DeleteRecord handles DELETE /api/v1/org/records/{id}
func (h *Handlers) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	if err := h.Records.Delete(r.Context(), rc, urlParam(r, "id")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExportRecords handles POST /api/v1/org/records/export
func (h *Handlers) ExportRecords(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	records, err := h.Records.Export(r.Context(), rc)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="records.json"`)
	writeJSON(w, http.StatusOK, records)
}
