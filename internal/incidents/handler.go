package incidents

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bissquit/biwatch/internal/domain"
	"github.com/bissquit/biwatch/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Pagination constants.
const (
	DefaultIncidentsLimit = 50
	MaxIncidentsLimit     = 200
	DefaultActivityLimit  = 20
	MaxActivityLimit      = 100
)

// Handler handles HTTP requests for the incidents module.
type Handler struct {
	service    *Service
	reconciler *Reconciler
	validator  *validator.Validate
}

// NewHandler creates a new incidents handler.
func NewHandler(service *Service, reconciler *Reconciler) *Handler {
	return &Handler{
		service:    service,
		reconciler: reconciler,
		validator:  validator.New(),
	}
}

// RegisterRoutes registers read routes available to any authenticated user.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/facilities/{facilityID}/incidents", h.ListIncidents)
	r.Get("/facilities/{facilityID}/incidents/active", h.GetActiveIncidents)
	r.Get("/facilities/{facilityID}/incidents/current", h.GetCurrentIncident)
	r.Get("/facilities/{facilityID}/activity", h.ListActivity)
	r.Get("/incidents/{id}", h.GetIncident)
}

// RegisterOperatorRoutes registers routes that require operator role.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/facilities/{facilityID}/incidents", h.CreateIncident)
	r.Patch("/incidents/{id}/status", h.UpdateStatus)
	r.Post("/incidents/{id}/regulatory-notification", h.MarkRegulatoryNotified)
}

// CreateIncidentRequest represents request body for reporting a BI failure.
type CreateIncidentRequest struct {
	FailureAt          *time.Time `json:"failure_at"`
	AffectedToolsCount int        `json:"affected_tools_count" validate:"required,gt=0"`
	AffectedBatchIDs   []string   `json:"affected_batch_ids" validate:"required,min=1,dive,required,max=100"`
	FailureReason      string     `json:"failure_reason" validate:"max=2000"`
	Severity           *string    `json:"severity" validate:"omitempty,oneof=low medium high critical"`
}

// UpdateStatusRequest represents request body for a status transition.
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active in_resolution resolved closed"`
}

// CreateIncident handles POST /facilities/{facilityID}/incidents.
// The facility store shows the incident while it is being persisted.
func (h *Handler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	var req CreateIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	input := CreateIncidentInput{
		FacilityID:         chi.URLParam(r, "facilityID"),
		DetectedBy:         httputil.GetUserID(r.Context()),
		FailureAt:          req.FailureAt,
		AffectedToolsCount: req.AffectedToolsCount,
		AffectedBatchIDs:   req.AffectedBatchIDs,
		FailureReason:      req.FailureReason,
	}
	if req.Severity != nil {
		severity := domain.Severity(*req.Severity)
		input.Severity = &severity
	}

	incident, err := h.reconciler.CreateIncident(r.Context(), input)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, httputil.DefaultErrorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, incident)
}

// GetIncident handles GET /incidents/{id}.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	incident, err := h.service.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, httputil.DefaultErrorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, incident)
}

// ListIncidents handles GET /facilities/{facilityID}/incidents.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := httputil.ParsePagination(r, DefaultIncidentsLimit, MaxIncidentsLimit)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := IncidentFilter{
		FacilityID: chi.URLParam(r, "facilityID"),
		Limit:      limit,
		Offset:     offset,
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := domain.IncidentStatus(s)
		filter.Status = &status
	}

	list, err := h.service.ListIncidents(r.Context(), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, httputil.DefaultErrorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, list)
}

// GetActiveIncidents handles GET /facilities/{facilityID}/incidents/active.
func (h *Handler) GetActiveIncidents(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.GetActiveIncidents(r.Context(), chi.URLParam(r, "facilityID"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, httputil.DefaultErrorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, list)
}

// GetCurrentIncident handles GET /facilities/{facilityID}/incidents/current.
// It answers from the facility's in-memory store.
func (h *Handler) GetCurrentIncident(w http.ResponseWriter, r *http.Request) {
	incident, err := h.reconciler.Current(r.Context(), chi.URLParam(r, "facilityID"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, httputil.DefaultErrorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]interface{}{
		"incident":  incident,
		"is_active": incident != nil,
	})
}

// UpdateStatus handles PATCH /incidents/{id}/status.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	incident, err := h.service.UpdateStatus(r.Context(),
		chi.URLParam(r, "id"),
		domain.IncidentStatus(req.Status),
		httputil.GetUserID(r.Context()),
	)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, httputil.DefaultErrorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, incident)
}

// MarkRegulatoryNotified handles POST /incidents/{id}/regulatory-notification.
func (h *Handler) MarkRegulatoryNotified(w http.ResponseWriter, r *http.Request) {
	incident, err := h.service.MarkRegulatoryNotified(r.Context(),
		chi.URLParam(r, "id"),
		httputil.GetUserID(r.Context()),
	)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, httputil.DefaultErrorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, incident)
}

// ListActivity handles GET /facilities/{facilityID}/activity.
func (h *Handler) ListActivity(w http.ResponseWriter, r *http.Request) {
	limit, _, err := httputil.ParsePagination(r, DefaultActivityLimit, MaxActivityLimit)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.service.ListActivity(r.Context(), ActivityFilter{
		FacilityID: chi.URLParam(r, "facilityID"),
		IncidentID: r.URL.Query().Get("incident_id"),
		Limit:      limit,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, httputil.DefaultErrorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entries)
}
