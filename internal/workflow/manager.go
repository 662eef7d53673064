package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bissquit/biwatch/internal/apperr"
	"github.com/bissquit/biwatch/internal/domain"
)

// Lifecycle is the part of the incident lifecycle service the workflow drives.
type Lifecycle interface {
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	UpdateStatus(ctx context.Context, id string, next domain.IncidentStatus, operatorID string) (*domain.Incident, error)
	ResolveIncident(ctx context.Context, id, resolvedBy, notes string) (*domain.Incident, error)
}

// Manager owns one checklist controller per facility and gates resolution.
type Manager struct {
	lifecycle Lifecycle
	cache     SnapshotCache

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewManager creates a new workflow manager.
func NewManager(lifecycle Lifecycle, cache SnapshotCache) *Manager {
	return &Manager{
		lifecycle:   lifecycle,
		cache:       cache,
		controllers: make(map[string]*Controller),
	}
}

// Controller returns the checklist of a facility, restoring it on first use.
func (m *Manager) Controller(facilityID string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.controllers[facilityID]
	if !ok {
		c = NewController(facilityID, m.cache)
		m.controllers[facilityID] = c
	}
	return c
}

// Begin moves an active incident to in_resolution and binds the facility's
// checklist to it. An incident already in resolution is returned unchanged.
func (m *Manager) Begin(ctx context.Context, incidentID, operatorID string) (*domain.Incident, error) {
	incident, err := m.lifecycle.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	switch incident.Status {
	case domain.IncidentStatusInResolution:
	case domain.IncidentStatusActive:
		incident, err = m.lifecycle.UpdateStatus(ctx, incidentID, domain.IncidentStatusInResolution, operatorID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, apperr.InvalidState("incident_not_open",
			fmt.Sprintf("incident %s is already %s", incident.IncidentNumber, incident.Status))
	}

	m.Controller(incident.FacilityID).Bind(incident.ID)
	return incident, nil
}

// Resolve resolves the incident through the lifecycle service and then
// clears the facility's checklist. The checklist does not need to be
// complete; that decision belongs to the operator.
func (m *Manager) Resolve(ctx context.Context, incidentID, operatorID, notes string) (*domain.Incident, error) {
	incident, err := m.lifecycle.ResolveIncident(ctx, incidentID, operatorID, notes)
	if err != nil {
		return nil, err
	}

	m.Controller(incident.FacilityID).Release(incident.ID)
	return incident, nil
}

// IncidentCommitted clears the checklist of an incident resolved through any
// path, such as a plain status update.
func (m *Manager) IncidentCommitted(incident *domain.Incident) {
	if incident.Status != domain.IncidentStatusResolved {
		return
	}
	if m.Controller(incident.FacilityID).Release(incident.ID) {
		slog.Info("resolution checklist cleared",
			"facility_id", incident.FacilityID,
			"incident_id", incident.ID,
		)
	}
}
