// Package workflow enforces the four-step BI failure resolution checklist.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/biwatch/internal/apperr"
	"github.com/bissquit/biwatch/internal/domain"
	"github.com/bissquit/biwatch/internal/pkg/sessioncache"
)

// SnapshotKeyPrefix prefixes the session cache key of a facility's checklist.
const SnapshotKeyPrefix = "bi-resolution-workflow:"

// SnapshotCache persists checklist snapshots for the session.
type SnapshotCache interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

type snapshot struct {
	FacilityID string                  `json:"facility_id"`
	IncidentID string                  `json:"incident_id,omitempty"`
	Steps      []domain.ResolutionStep `json:"steps"`
	SavedAt    time.Time               `json:"saved_at"`
}

// Controller holds the checklist of one facility. The checklist belongs to
// the incident it was bound to by Bind; progress made before any binding is
// adopted by the first bound incident.
type Controller struct {
	facilityID string
	cache      SnapshotCache
	now        func() time.Time

	mu         sync.Mutex
	incidentID string
	steps      []domain.ResolutionStep
}

// NewController creates a controller and restores its last saved snapshot.
func NewController(facilityID string, cache SnapshotCache) *Controller {
	c := &Controller{
		facilityID: facilityID,
		cache:      cache,
		now:        time.Now,
	}
	c.restore()
	return c
}

func (c *Controller) key() string {
	return SnapshotKeyPrefix + c.facilityID
}

// restore loads the saved snapshot. A missing or unreadable snapshot yields a
// fresh checklist.
func (c *Controller) restore() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = domain.NewResolutionSteps()
	if c.cache == nil {
		return
	}

	data, err := c.cache.Get(c.key())
	if err != nil {
		if !errors.Is(err, sessioncache.ErrNotFound) {
			slog.Warn("failed to load resolution workflow snapshot", "facility_id", c.facilityID, "error", err)
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("discarding unreadable resolution workflow snapshot", "facility_id", c.facilityID, "error", err)
		restores.WithLabelValues("discarded").Inc()
		return
	}
	if err := validateSteps(snap.Steps); err != nil {
		slog.Warn("discarding invalid resolution workflow snapshot", "facility_id", c.facilityID, "error", err)
		restores.WithLabelValues("discarded").Inc()
		return
	}

	c.incidentID = snap.IncidentID
	c.steps = snap.Steps
	restores.WithLabelValues("restored").Inc()
}

// CompleteStep marks the in-progress step as completed and starts the next one.
func (c *Controller) CompleteStep(stepID domain.StepID, operatorID, notes string) ([]domain.ResolutionStep, error) {
	if strings.TrimSpace(operatorID) == "" {
		return nil, apperr.Validation("operator_required", "completing operator id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := indexOf(stepID)
	if idx < 0 {
		return nil, apperr.NotFound("step_not_found", fmt.Sprintf("unknown resolution step: %s", stepID))
	}

	// Check and update under the same lock, so a step completes at most once.
	step := c.steps[idx]
	if step.Status != domain.StepStatusInProgress {
		return nil, apperr.New(apperr.ErrNotNextStep, "not_next_step",
			fmt.Sprintf("step %s is %s, only the in-progress step can be completed", stepID, step.Status))
	}

	now := c.now().UTC()
	by := operatorID
	next := copySteps(c.steps)
	next[idx].Status = domain.StepStatusCompleted
	next[idx].CompletedBy = &by
	next[idx].CompletedAt = &now
	next[idx].Notes = notes
	if idx+1 < len(next) {
		next[idx+1].Status = domain.StepStatusInProgress
	}

	c.steps = next
	stepCompletions.WithLabelValues(string(stepID)).Inc()
	c.persist()

	return copySteps(c.steps), nil
}

// Steps returns a copy of the checklist.
func (c *Controller) Steps() []domain.ResolutionStep {
	c.mu.Lock()
	defer c.mu.Unlock()

	return copySteps(c.steps)
}

// IsComplete reports whether every step is completed.
func (c *Controller) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.steps {
		if s.Status != domain.StepStatusCompleted {
			return false
		}
	}
	return true
}

// IncidentID returns the incident the checklist is bound to, or "".
func (c *Controller) IncidentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.incidentID
}

// Bind ties the checklist to an incident. A checklist bound to a different
// incident starts over.
func (c *Controller) Bind(incidentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.incidentID == incidentID {
		return
	}
	if c.incidentID != "" {
		slog.Info("starting a fresh resolution checklist",
			"facility_id", c.facilityID,
			"previous_incident_id", c.incidentID,
			"incident_id", incidentID,
		)
		c.steps = domain.NewResolutionSteps()
	}
	c.incidentID = incidentID
	c.persist()
}

// Release resets the checklist once incidentID is resolved, if the checklist
// belongs to it or holds unbound progress. It reports whether it reset.
func (c *Controller) Release(incidentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.incidentID == incidentID:
	case c.incidentID == "" && c.hasProgress():
	default:
		return false
	}
	c.reset()
	return true
}

func (c *Controller) hasProgress() bool {
	for _, s := range c.steps {
		if s.Status == domain.StepStatusCompleted {
			return true
		}
	}
	return false
}

// Reset discards progress in memory and in the session cache.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reset()
}

// reset requires c.mu.
func (c *Controller) reset() {
	c.incidentID = ""
	c.steps = domain.NewResolutionSteps()
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(c.key()); err != nil {
		slog.Warn("failed to delete resolution workflow snapshot", "facility_id", c.facilityID, "error", err)
		snapshotWrites.WithLabelValues("error").Inc()
	}
}

// persist writes the current steps. Failures are logged, never returned.
// Callers must hold c.mu.
func (c *Controller) persist() {
	if c.cache == nil {
		return
	}

	data, err := json.Marshal(snapshot{
		FacilityID: c.facilityID,
		IncidentID: c.incidentID,
		Steps:      c.steps,
		SavedAt:    c.now().UTC(),
	})
	if err == nil {
		err = c.cache.Set(c.key(), data)
	}
	if err != nil {
		slog.Warn("failed to save resolution workflow snapshot", "facility_id", c.facilityID, "error", err)
		snapshotWrites.WithLabelValues("error").Inc()
		return
	}
	snapshotWrites.WithLabelValues("success").Inc()
}

func indexOf(stepID domain.StepID) int {
	for i, id := range domain.ResolutionStepOrder {
		if id == stepID {
			return i
		}
	}
	return -1
}

// validateSteps checks that a restored checklist has the fixed order and at
// most one in-progress step following only completed ones.
func validateSteps(steps []domain.ResolutionStep) error {
	if len(steps) != len(domain.ResolutionStepOrder) {
		return fmt.Errorf("expected %d steps, got %d", len(domain.ResolutionStepOrder), len(steps))
	}

	seenOpen := false
	for i, s := range steps {
		if s.ID != domain.ResolutionStepOrder[i] {
			return fmt.Errorf("step %d is %q, want %q", i, s.ID, domain.ResolutionStepOrder[i])
		}
		switch s.Status {
		case domain.StepStatusCompleted:
			if seenOpen {
				return fmt.Errorf("step %s completed after an open step", s.ID)
			}
		case domain.StepStatusInProgress:
			if seenOpen {
				return fmt.Errorf("step %s in progress after an open step", s.ID)
			}
			seenOpen = true
		case domain.StepStatusPending:
			if !seenOpen {
				return fmt.Errorf("step %s pending before the in-progress step", s.ID)
			}
			seenOpen = true
		default:
			return fmt.Errorf("step %s has unknown status %q", s.ID, s.Status)
		}
	}
	return nil
}

func copySteps(steps []domain.ResolutionStep) []domain.ResolutionStep {
	out := make([]domain.ResolutionStep, len(steps))
	for i, s := range steps {
		out[i] = s
		if s.CompletedBy != nil {
			by := *s.CompletedBy
			out[i].CompletedBy = &by
		}
		if s.CompletedAt != nil {
			at := *s.CompletedAt
			out[i].CompletedAt = &at
		}
	}
	return out
}
