package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/domain"
)

func parseTemplateID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// CreateTemplateHandler saves a reusable recipient list for the caller.
func (h *PayoutHandlers) CreateTemplateHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized", "caller address missing")
		return
	}

	var req domain.CreateTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	t, err := h.service.CreateTemplate(r.Context(), caller, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildTemplateResponse(t))
}

// ListTemplatesHandler lists the caller's templates.
func (h *PayoutHandlers) ListTemplatesHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized", "caller address missing")
		return
	}

	templates, err := h.service.ListTemplates(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]templateResponse, len(templates))
	for i := range templates {
		out[i] = buildTemplateResponse(&templates[i])
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"templates": out})
}

// GetTemplateHandler returns one template.
func (h *PayoutHandlers) GetTemplateHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTemplateID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "InvalidInput", "template id must be a UUID")
		return
	}
	t, err := h.service.GetTemplate(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTemplateResponse(t))
}

// CreatePayoutFromTemplateHandler materializes a template into a new payout.
func (h *PayoutHandlers) CreatePayoutFromTemplateHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized", "caller address missing")
		return
	}
	id, ok := parseTemplateID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "InvalidInput", "template id must be a UUID")
		return
	}

	var req domain.CreatePayoutFromTemplateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
	}
	p, err := h.service.CreatePayoutFromTemplate(r.Context(), caller, id, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildPayoutResponse(p))
}
