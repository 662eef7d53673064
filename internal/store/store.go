// Package store holds the in-memory view of a facility's current BI failure
// incident. Every write goes through one reducer so that local optimistic
// updates and remote reconciliation never interleave.
package store

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/biwatch/internal/apperr"
	"github.com/bissquit/biwatch/internal/domain"
	"github.com/google/uuid"
)

// ActivationDetails are the detection details of a locally observed failure.
type ActivationDetails struct {
	DetectedBy         string
	FailureAt          time.Time
	AffectedToolsCount int
	AffectedBatchIDs   []string
	FailureReason      string
	Severity           domain.Severity
}

// State is an immutable snapshot of the store.
type State struct {
	Current  *domain.Incident
	IsActive bool
	History  []*domain.Incident
	Version  uint64
}

type actionKind int

const (
	actionActivate actionKind = iota
	actionDeactivate
	actionSync
)

type action struct {
	kind     actionKind
	incident *domain.Incident
}

// reduce returns the state that follows s after applying a. It never mutates s.
// A sync carrying an older revision of the current incident is dropped.
func reduce(s State, a action) State {
	if a.kind == actionSync && isStale(s.Current, a.incident) {
		return s
	}

	next := State{
		Current:  s.Current,
		IsActive: s.IsActive,
		History:  s.History,
		Version:  s.Version + 1,
	}

	switch a.kind {
	case actionActivate:
		next.Current = a.incident
		next.IsActive = true
		next.History = appendHistory(s.History, a.incident)
	case actionDeactivate:
		next.Current = nil
		next.IsActive = false
	case actionSync:
		next.Current = a.incident
		next.IsActive = a.incident != nil && a.incident.Status.IsOpen()
		if a.incident != nil && !sameAsLast(s.History, a.incident) {
			next.History = appendHistory(s.History, a.incident)
		}
	}

	return next
}

// appendHistory copies the slice so earlier snapshots keep their length.
func appendHistory(history []*domain.Incident, incident *domain.Incident) []*domain.Incident {
	out := make([]*domain.Incident, len(history), len(history)+1)
	copy(out, history)
	return append(out, incident)
}

func isStale(current, incoming *domain.Incident) bool {
	if current == nil || incoming == nil || current.ID != incoming.ID {
		return false
	}
	return incoming.UpdatedAt.Before(current.UpdatedAt)
}

func sameAsLast(history []*domain.Incident, incident *domain.Incident) bool {
	if len(history) == 0 {
		return false
	}
	last := history[len(history)-1]
	return last.ID == incident.ID && last.Status == incident.Status && last.UpdatedAt.Equal(incident.UpdatedAt)
}

// Store is the single-writer incident view of one facility.
type Store struct {
	facilityID string

	mu    sync.RWMutex
	state State
}

// New creates an empty store for a facility.
func New(facilityID string) *Store {
	return &Store{facilityID: facilityID}
}

// FacilityID returns the facility the store belongs to.
func (s *Store) FacilityID() string {
	return s.facilityID
}

func (s *Store) dispatch(a action) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = reduce(s.state, a)
	return s.state
}

// Activate records a locally detected failure as the current active incident.
// The record is optimistic until the next SyncFromRemote.
func (s *Store) Activate(details ActivationDetails) (*domain.Incident, error) {
	if details.AffectedToolsCount < 0 {
		return nil, apperr.Validation("invalid_affected_tools_count", "affected tools count must not be negative")
	}

	severity := details.Severity
	if severity == "" {
		severity = domain.SeverityMedium
	}
	if !severity.IsValid() {
		return nil, apperr.Validation("invalid_severity", fmt.Sprintf("invalid severity: %s", severity))
	}

	now := time.Now().UTC()
	failureAt := details.FailureAt
	if failureAt.IsZero() {
		failureAt = now
	}

	incident := &domain.Incident{
		ID:                 uuid.NewString(),
		IncidentNumber:     localIncidentNumber(now),
		FacilityID:         s.facilityID,
		FailureAt:          failureAt,
		AffectedToolsCount: details.AffectedToolsCount,
		AffectedBatchIDs:   append([]string(nil), details.AffectedBatchIDs...),
		FailureReason:      details.FailureReason,
		Severity:           severity,
		Status:             domain.IncidentStatusActive,
		DetectedBy:         details.DetectedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	s.dispatch(action{kind: actionActivate, incident: incident})
	return incident.Clone(), nil
}

// Deactivate clears the current incident. History is kept.
func (s *Store) Deactivate() {
	s.dispatch(action{kind: actionDeactivate})
}

// SyncFromRemote replaces the current view with an authoritative record, or
// clears it when incident is nil. The last call wins, except that an older
// revision of the incident already held is ignored.
func (s *Store) SyncFromRemote(incident *domain.Incident) {
	var snapshot *domain.Incident
	if incident != nil {
		snapshot = incident.Clone()
	}
	s.dispatch(action{kind: actionSync, incident: snapshot})
}

// Current returns a copy of the current incident, or nil.
func (s *Store) Current() *domain.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state.Current == nil {
		return nil
	}
	return s.state.Current.Clone()
}

// IsActive reports whether an active incident is held.
func (s *Store) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state.IsActive
}

// History returns copies of every recorded incident snapshot, oldest first.
func (s *Store) History() []*domain.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Incident, 0, len(s.state.History))
	for _, incident := range s.state.History {
		out = append(out, incident.Clone())
	}
	return out
}

// Version returns the number of writes applied so far.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state.Version
}

func localIncidentNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("BI-%s-%s", now.Format("20060102"), suffix)
}
