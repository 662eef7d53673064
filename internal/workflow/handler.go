package workflow

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/bissquit/biwatch/internal/domain"
	"github.com/bissquit/biwatch/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Handler handles HTTP requests for the resolution workflow.
type Handler struct {
	manager   *Manager
	validator *validator.Validate
}

// NewHandler creates a new workflow handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{
		manager:   manager,
		validator: validator.New(),
	}
}

// RegisterRoutes registers workflow routes (require operator role).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/facilities/{facilityID}/resolution", h.GetSteps)
	r.Post("/facilities/{facilityID}/resolution/steps/{stepID}/complete", h.CompleteStep)
	r.Post("/facilities/{facilityID}/resolution/reset", h.Reset)

	r.Post("/incidents/{id}/resolution/begin", h.Begin)
	r.Post("/incidents/{id}/resolve", h.Resolve)
}

// CompleteStepRequest represents request body for completing a step.
type CompleteStepRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

// ResolveRequest represents request body for resolving an incident.
type ResolveRequest struct {
	Notes string `json:"notes" validate:"max=4000"`
}

// StepsResponse is the checklist view.
type StepsResponse struct {
	FacilityID string                  `json:"facility_id"`
	IncidentID string                  `json:"incident_id,omitempty"`
	Steps      []domain.ResolutionStep `json:"steps"`
	IsComplete bool                    `json:"is_complete"`
}

// GetSteps handles GET /facilities/{facilityID}/resolution.
func (h *Handler) GetSteps(w http.ResponseWriter, r *http.Request) {
	facilityID := chi.URLParam(r, "facilityID")
	c := h.manager.Controller(facilityID)

	httputil.Success(w, http.StatusOK, StepsResponse{
		FacilityID: facilityID,
		IncidentID: c.IncidentID(),
		Steps:      c.Steps(),
		IsComplete: c.IsComplete(),
	})
}

// CompleteStep handles POST /facilities/{facilityID}/resolution/steps/{stepID}/complete.
func (h *Handler) CompleteStep(w http.ResponseWriter, r *http.Request) {
	var req CompleteStepRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	facilityID := chi.URLParam(r, "facilityID")
	c := h.manager.Controller(facilityID)

	steps, err := c.CompleteStep(
		domain.StepID(chi.URLParam(r, "stepID")),
		httputil.GetUserID(r.Context()),
		req.Notes,
	)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, httputil.DefaultErrorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, StepsResponse{
		FacilityID: facilityID,
		IncidentID: c.IncidentID(),
		Steps:      steps,
		IsComplete: c.IsComplete(),
	})
}

// Reset handles POST /facilities/{facilityID}/resolution/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	h.manager.Controller(chi.URLParam(r, "facilityID")).Reset()
	w.WriteHeader(http.StatusNoContent)
}

// Begin handles POST /incidents/{id}/resolution/begin.
func (h *Handler) Begin(w http.ResponseWriter, r *http.Request) {
	incident, err := h.manager.Begin(r.Context(), chi.URLParam(r, "id"), httputil.GetUserID(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, httputil.DefaultErrorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, incident)
}

// Resolve handles POST /incidents/{id}/resolve.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	incident, err := h.manager.Resolve(r.Context(),
		chi.URLParam(r, "id"),
		httputil.GetUserID(r.Context()),
		req.Notes,
	)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, httputil.DefaultErrorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, incident)
}

// decodeOptional decodes a JSON body that may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := h.validator.Struct(v); err != nil {
		httputil.ValidationError(w, err)
		return false
	}
	return true
}
