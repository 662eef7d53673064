package exposure

import (
	"context"
	"net/http"
	"sync"

	"github.com/bissquit/biwatch/internal/apperr"
	"github.com/bissquit/biwatch/internal/domain"
	"github.com/bissquit/biwatch/internal/pkg/ctxlog"
	"github.com/bissquit/biwatch/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// Generator produces exposure reports.
type Generator interface {
	Lookup(ctx context.Context, incidentID string) (*domain.Incident, error)
	Report(ctx context.Context, incident *domain.Incident) (*domain.ExposureReport, error)
}

// RateLimit configures the per-facility report rate.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Handler handles HTTP requests for exposure reports.
type Handler struct {
	generator Generator
	limit     RateLimit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHandler creates a new exposure handler.
func NewHandler(generator Generator, limit RateLimit) *Handler {
	return &Handler{
		generator: generator,
		limit:     limit,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// RegisterRoutes registers exposure routes (require operator role).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/facilities/{facilityID}/incidents/{id}/exposure", h.GetReport)
}

// GetReport handles GET /facilities/{facilityID}/incidents/{id}/exposure.
// The incident is resolved first so that foreign incidents neither consume
// the facility's rate budget nor trigger a report.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	facilityID := chi.URLParam(r, "facilityID")
	incidentID := chi.URLParam(r, "id")
	ctx := ctxlog.With(r.Context(), "facility_id", facilityID, "incident_id", incidentID)

	incident, err := h.generator.Lookup(ctx, incidentID)
	if err != nil {
		httputil.HandleError(ctx, w, err, httputil.DefaultErrorMappings)
		return
	}
	if incident.FacilityID != facilityID {
		httputil.HandleError(ctx, w,
			apperr.NotFound("incident_not_found", "incident not found"), httputil.DefaultErrorMappings)
		return
	}

	if !h.limiter(facilityID).Allow() {
		reportsRateLimited.Inc()
		w.Header().Set("Retry-After", "1")
		httputil.Error(w, http.StatusTooManyRequests, "too many exposure report requests, retry shortly")
		return
	}

	report, err := h.generator.Report(ctx, incident)
	if err != nil {
		httputil.HandleError(ctx, w, err, httputil.DefaultErrorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, report)
}

func (h *Handler) limiter(facilityID string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.limiters[facilityID]
	if !ok {
		limit := rate.Limit(h.limit.PerSecond)
		if h.limit.PerSecond <= 0 {
			limit = rate.Inf
		}
		l = rate.NewLimiter(limit, h.limit.Burst)
		h.limiters[facilityID] = l
	}
	return l
}
