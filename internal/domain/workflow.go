package domain

import "time"

// StepID identifies a step of the resolution checklist.
type StepID string

// Resolution steps in the order they must be completed.
const (
	StepQuarantine      StepID = "quarantine"
	StepReSterilization StepID = "re-sterilization"
	StepNewBITest       StepID = "new-bi-test"
	StepDocumentation   StepID = "documentation"
)

// ResolutionStepOrder is the fixed order of the checklist.
var ResolutionStepOrder = []StepID{
	StepQuarantine,
	StepReSterilization,
	StepNewBITest,
	StepDocumentation,
}

// StepStatus represents the progress of a single resolution step.
type StepStatus string

// Step statuses.
const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
)

// ResolutionStep is one entry of the resolution checklist.
type ResolutionStep struct {
	ID          StepID     `json:"id"`
	Title       string     `json:"title"`
	Status      StepStatus `json:"status"`
	CompletedBy *string    `json:"completed_by,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

var stepTitles = map[StepID]string{
	StepQuarantine:      "Quarantine affected instruments",
	StepReSterilization: "Re-sterilize affected loads",
	StepNewBITest:       "Run a new BI test",
	StepDocumentation:   "Document the failure",
}

// StepTitle returns the display title of a step.
func StepTitle(id StepID) string {
	return stepTitles[id]
}

// NewResolutionSteps returns the initial checklist: the first step in progress,
// the rest pending.
func NewResolutionSteps() []ResolutionStep {
	steps := make([]ResolutionStep, len(ResolutionStepOrder))
	for i, id := range ResolutionStepOrder {
		steps[i] = ResolutionStep{
			ID:     id,
			Title:  StepTitle(id),
			Status: StepStatusPending,
		}
	}
	steps[0].Status = StepStatusInProgress
	return steps
}
