// Package incidents implements the BI failure incident lifecycle: creation,
// forward-only status transitions, resolution and the activity log.
package incidents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/biwatch/internal/apperr"
	"github.com/bissquit/biwatch/internal/domain"
	"github.com/google/uuid"
)

// Observer is told about every committed incident mutation. It runs
// synchronously on the caller's goroutine after the write succeeded and
// receives its own copy of the incident.
type Observer interface {
	IncidentCommitted(incident *domain.Incident)
}

// Service is the only writer of incident persistence.
type Service struct {
	repo      Repository
	activity  *ActivityLog
	observers []Observer
}

// NewService creates a new incident lifecycle service.
func NewService(repo Repository, activity *ActivityLog) *Service {
	return &Service{
		repo:     repo,
		activity: activity,
	}
}

// Observe registers o for committed mutations. Call it before the service
// starts handling requests.
func (s *Service) Observe(o Observer) {
	s.observers = append(s.observers, o)
}

func (s *Service) committed(incident *domain.Incident) {
	for _, o := range s.observers {
		o.IncidentCommitted(incident.Clone())
	}
}

// CreateIncidentInput holds data for creating an incident.
type CreateIncidentInput struct {
	FacilityID         string
	DetectedBy         string
	FailureAt          *time.Time
	AffectedToolsCount int
	AffectedBatchIDs   []string
	FailureReason      string
	Severity           *domain.Severity
}

// CreateIncident persists a new incident with status active.
func (s *Service) CreateIncident(ctx context.Context, input CreateIncidentInput) (*domain.Incident, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	severity := domain.SeverityMedium
	if input.Severity != nil {
		severity = *input.Severity
	}

	now := time.Now().UTC()
	failureAt := now
	if input.FailureAt != nil {
		failureAt = input.FailureAt.UTC()
	}

	incident := &domain.Incident{
		IncidentNumber:     newIncidentNumber(now),
		FacilityID:         input.FacilityID,
		FailureAt:          failureAt,
		AffectedToolsCount: input.AffectedToolsCount,
		AffectedBatchIDs:   append([]string(nil), input.AffectedBatchIDs...),
		FailureReason:      input.FailureReason,
		Severity:           severity,
		Status:             domain.IncidentStatusActive,
		DetectedBy:         input.DetectedBy,
	}

	err := s.repo.CreateIncident(ctx, incident)
	recordMutation("create", err)
	if err != nil {
		return nil, apperr.Persistence("create incident", err)
	}

	s.committed(incident)
	s.activity.Record(ctx, domain.ActivityIncidentCreated, incident, input.DetectedBy)

	return incident, nil
}

// GetIncident retrieves an incident by ID.
func (s *Service) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	incident, err := s.repo.GetIncident(ctx, id)
	if err != nil {
		if errors.Is(err, ErrIncidentNotFound) {
			return nil, apperr.NotFound("incident_not_found", fmt.Sprintf("incident %s not found", id))
		}
		return nil, apperr.Persistence("get incident", err)
	}
	return incident, nil
}

// ListIncidents retrieves incidents with optional filters, newest first.
func (s *Service) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*domain.Incident, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, apperr.Validation("invalid_status", fmt.Sprintf("invalid status: %s", *filter.Status))
	}

	list, err := s.repo.ListIncidents(ctx, filter)
	if err != nil {
		return nil, apperr.Persistence("list incidents", err)
	}
	if list == nil {
		list = make([]*domain.Incident, 0)
	}
	return list, nil
}

// GetActiveIncidents returns the active incidents of a facility, most recent
// first. The result is never nil.
func (s *Service) GetActiveIncidents(ctx context.Context, facilityID string) ([]*domain.Incident, error) {
	if strings.TrimSpace(facilityID) == "" {
		return nil, apperr.Validation("facility_required", "facility id is required")
	}

	status := domain.IncidentStatusActive
	return s.ListIncidents(ctx, IncidentFilter{
		FacilityID: facilityID,
		Status:     &status,
	})
}

// GetOpenIncident returns the facility's most recent incident that is active
// or in resolution, or nil when there is none.
func (s *Service) GetOpenIncident(ctx context.Context, facilityID string) (*domain.Incident, error) {
	if strings.TrimSpace(facilityID) == "" {
		return nil, apperr.Validation("facility_required", "facility id is required")
	}

	list, err := s.repo.ListIncidents(ctx, IncidentFilter{
		FacilityID: facilityID,
		Statuses:   domain.OpenStatuses,
		Limit:      1,
	})
	if err != nil {
		return nil, apperr.Persistence("get open incident", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// UpdateStatus moves an incident forward through
// active -> in_resolution -> resolved -> closed.
func (s *Service) UpdateStatus(ctx context.Context, id string, next domain.IncidentStatus, operatorID string) (*domain.Incident, error) {
	if !next.IsValid() {
		return nil, apperr.Validation("invalid_status", fmt.Sprintf("invalid status: %s", next))
	}

	incident, err := s.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}

	current := incident.Status
	if !current.CanTransitionTo(next) {
		return nil, apperr.InvalidState("invalid_transition",
			fmt.Sprintf("cannot move incident from %s to %s", current, next))
	}

	incident.Status = next
	if next == domain.IncidentStatusResolved {
		stampResolution(incident, operatorID, "")
	}

	if err := s.update(ctx, "update_status", incident, current); err != nil {
		return nil, err
	}

	s.committed(incident)

	activityType := domain.ActivityIncidentStatusChanged
	if next == domain.IncidentStatusResolved {
		activityType = domain.ActivityIncidentResolved
	}
	s.activity.Record(ctx, activityType, incident, operatorID)

	return incident, nil
}

// ResolveIncident resolves an active or in-resolution incident.
func (s *Service) ResolveIncident(ctx context.Context, id, resolvedBy, notes string) (*domain.Incident, error) {
	if strings.TrimSpace(resolvedBy) == "" {
		return nil, apperr.Validation("resolver_required", "resolving operator id is required")
	}

	incident, err := s.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}

	current := incident.Status
	if !current.IsOpen() {
		return nil, apperr.InvalidState("incident_not_open",
			fmt.Sprintf("incident %s is already %s", incident.IncidentNumber, current))
	}

	incident.Status = domain.IncidentStatusResolved
	stampResolution(incident, resolvedBy, notes)

	if err := s.update(ctx, "resolve", incident, current); err != nil {
		return nil, err
	}

	s.committed(incident)
	s.activity.Record(ctx, domain.ActivityIncidentResolved, incident, resolvedBy)

	return incident, nil
}

// MarkRegulatoryNotified records that the regulator has been notified.
func (s *Service) MarkRegulatoryNotified(ctx context.Context, id, operatorID string) (*domain.Incident, error) {
	incident, err := s.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}

	if incident.RegulatoryNotified {
		return nil, apperr.InvalidState("already_notified",
			fmt.Sprintf("regulatory notification for %s already sent", incident.IncidentNumber))
	}

	now := time.Now().UTC()
	incident.RegulatoryNotified = true
	incident.RegulatoryNotifiedAt = &now

	if err := s.update(ctx, "regulatory_notified", incident, incident.Status); err != nil {
		return nil, err
	}

	s.committed(incident)
	s.activity.Record(ctx, domain.ActivityRegulatoryNotified, incident, operatorID)

	return incident, nil
}

// ListActivity returns activity entries, newest first.
func (s *Service) ListActivity(ctx context.Context, filter ActivityFilter) ([]*domain.ActivityLogEntry, error) {
	if s.activity == nil || s.activity.repo == nil {
		return make([]*domain.ActivityLogEntry, 0), nil
	}
	entries, err := s.activity.repo.ListActivity(ctx, filter)
	if err != nil {
		return nil, apperr.Persistence("list activity", err)
	}
	if entries == nil {
		entries = make([]*domain.ActivityLogEntry, 0)
	}
	return entries, nil
}

func (s *Service) update(ctx context.Context, operation string, incident *domain.Incident, expected domain.IncidentStatus) error {
	err := s.repo.UpdateIncident(ctx, incident, expected)
	recordMutation(operation, err)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrIncidentNotFound):
		return apperr.NotFound("incident_not_found", fmt.Sprintf("incident %s not found", incident.ID))
	case errors.Is(err, ErrStatusConflict):
		return apperr.InvalidState("status_conflict",
			fmt.Sprintf("incident %s was modified concurrently, reload and retry", incident.IncidentNumber))
	default:
		return apperr.Persistence("update incident", err)
	}
}

func stampResolution(incident *domain.Incident, resolvedBy, notes string) {
	now := time.Now().UTC()
	incident.ResolvedAt = &now
	if resolvedBy != "" {
		by := resolvedBy
		incident.ResolvedBy = &by
	}
	incident.ResolutionNotes = notes
}

func validateCreateInput(input CreateIncidentInput) error {
	if strings.TrimSpace(input.FacilityID) == "" {
		return apperr.Validation("facility_required", "facility id is required")
	}
	if strings.TrimSpace(input.DetectedBy) == "" {
		return apperr.Validation("operator_required", "detecting operator id is required")
	}
	if input.AffectedToolsCount <= 0 {
		return apperr.Validation("invalid_affected_tools_count", "affected tools count must be a positive integer")
	}
	if len(input.AffectedBatchIDs) == 0 {
		return apperr.Validation("batch_ids_required", "at least one affected batch id is required")
	}

	seen := make(map[string]struct{}, len(input.AffectedBatchIDs))
	for _, id := range input.AffectedBatchIDs {
		if strings.TrimSpace(id) == "" {
			return apperr.Validation("invalid_batch_id", "batch ids must not be empty")
		}
		if _, ok := seen[id]; ok {
			return apperr.Validation("duplicate_batch_id", fmt.Sprintf("duplicate batch id: %s", id))
		}
		seen[id] = struct{}{}
	}

	if input.Severity != nil && !input.Severity.IsValid() {
		return apperr.Validation("invalid_severity", fmt.Sprintf("invalid severity: %s", *input.Severity))
	}
	return nil
}

// newIncidentNumber builds a human readable number such as BI-20260314-3F9A1C.
func newIncidentNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("BI-%s-%s", now.Format("20060102"), suffix)
}
