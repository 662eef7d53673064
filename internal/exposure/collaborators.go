package exposure

import (
	"context"
	"time"

	"github.com/bissquit/biwatch/internal/domain"
)

// IncidentReader resolves the incident a report is generated for.
type IncidentReader interface {
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
}

// TestResultHistory looks up BI test results of a facility.
// Both methods return nil, nil when no matching result exists.
type TestResultHistory interface {
	LastFailedAtOrBefore(ctx context.Context, facilityID string, at time.Time) (*domain.BITestResult, error)
	LastPassedBefore(ctx context.Context, facilityID string, before time.Time) (*domain.BITestResult, error)
}

// AssetTransitionHistory lists tool state transitions of a facility with
// from <= occurred_at <= to, ordered by occurred_at.
type AssetTransitionHistory interface {
	ListTransitions(ctx context.Context, facilityID string, from, to time.Time) ([]domain.AssetTransition, error)
}

// RoomOccupancyHistory lists room state events of a facility: the latest
// event of every room at or before from, followed by every event with
// from < occurred_at <= to, ordered by occurred_at.
type RoomOccupancyHistory interface {
	ListRoomEvents(ctx context.Context, facilityID string, from, to time.Time) ([]domain.RoomStateEvent, error)
}
