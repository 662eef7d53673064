package incidents

import (
	"context"

	"github.com/bissquit/biwatch/internal/domain"
)

// Repository defines the interface for incident storage.
type Repository interface {
	CreateIncident(ctx context.Context, incident *domain.Incident) error
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]*domain.Incident, error)

	// UpdateIncident writes the mutable fields only if the stored status still
	// equals expected. Returns ErrStatusConflict otherwise.
	UpdateIncident(ctx context.Context, incident *domain.Incident, expected domain.IncidentStatus) error
}

// ActivityRepository defines append-only activity log storage.
type ActivityRepository interface {
	AppendActivity(ctx context.Context, entry *domain.ActivityLogEntry) error
	ListActivity(ctx context.Context, filter ActivityFilter) ([]*domain.ActivityLogEntry, error)
}

// IncidentFilter holds filter options for listing incidents. Statuses
// matches any of the listed statuses and combines with Status by AND.
// Results are ordered by creation time, newest first.
type IncidentFilter struct {
	FacilityID string
	Status     *domain.IncidentStatus
	Statuses   []domain.IncidentStatus
	Limit      int
	Offset     int
}

// ActivityFilter holds filter options for listing activity entries.
type ActivityFilter struct {
	FacilityID string
	IncidentID string
	Limit      int
}
