package domain

import "time"

// IncidentStatus represents the lifecycle status of a BI failure incident.
type IncidentStatus string

// Incident statuses in lifecycle order.
const (
	IncidentStatusActive       IncidentStatus = "active"
	IncidentStatusInResolution IncidentStatus = "in_resolution"
	IncidentStatusResolved     IncidentStatus = "resolved"
	IncidentStatusClosed       IncidentStatus = "closed"
)

// IsValid checks if the status is a known incident status.
func (s IncidentStatus) IsValid() bool {
	return s.rank() >= 0
}

// OpenStatuses lists the statuses in which resolution work can still happen.
var OpenStatuses = []IncidentStatus{IncidentStatusActive, IncidentStatusInResolution}

// IsOpen reports whether resolution work can still happen on the incident.
func (s IncidentStatus) IsOpen() bool {
	return s == IncidentStatusActive || s == IncidentStatusInResolution
}

func (s IncidentStatus) rank() int {
	switch s {
	case IncidentStatusActive:
		return 0
	case IncidentStatusInResolution:
		return 1
	case IncidentStatusResolved:
		return 2
	case IncidentStatusClosed:
		return 3
	}
	return -1
}

// CanTransitionTo checks the forward-only transition order
// active -> in_resolution -> resolved -> closed.
// The only allowed skip is active -> resolved.
func (s IncidentStatus) CanTransitionTo(next IncidentStatus) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 {
		return false
	}
	if to == from+1 {
		return true
	}
	return s == IncidentStatusActive && next == IncidentStatusResolved
}

// Severity represents the severity level of an incident or an error.
type Severity string

// Severity levels.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is valid.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// IsBlocking reports whether the severity should block further progress in the UI.
func (s Severity) IsBlocking() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Incident represents a biological indicator sterilization failure.
type Incident struct {
	ID                   string         `json:"id"`
	IncidentNumber       string         `json:"incident_number"`
	FacilityID           string         `json:"facility_id"`
	FailureAt            time.Time      `json:"failure_at"`
	AffectedToolsCount   int            `json:"affected_tools_count"`
	AffectedBatchIDs     []string       `json:"affected_batch_ids"`
	FailureReason        string         `json:"failure_reason,omitempty"`
	Severity             Severity       `json:"severity"`
	Status               IncidentStatus `json:"status"`
	DetectedBy           string         `json:"detected_by"`
	RegulatoryNotified   bool           `json:"regulatory_notified"`
	RegulatoryNotifiedAt *time.Time     `json:"regulatory_notified_at"`
	ResolvedBy           *string        `json:"resolved_by"`
	ResolvedAt           *time.Time     `json:"resolved_at"`
	ResolutionNotes      string         `json:"resolution_notes,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the incident.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	c.AffectedBatchIDs = append([]string(nil), i.AffectedBatchIDs...)
	if i.RegulatoryNotifiedAt != nil {
		t := *i.RegulatoryNotifiedAt
		c.RegulatoryNotifiedAt = &t
	}
	if i.ResolvedBy != nil {
		s := *i.ResolvedBy
		c.ResolvedBy = &s
	}
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// ChangeOperation is the kind of row change delivered by the realtime channel.
type ChangeOperation string

// Change operations.
const (
	ChangeOperationInsert ChangeOperation = "INSERT"
	ChangeOperationUpdate ChangeOperation = "UPDATE"
)

// IncidentChange is a realtime notification about an incidents table row.
type IncidentChange struct {
	Operation  ChangeOperation `json:"operation"`
	IncidentID string          `json:"incident_id"`
	FacilityID string          `json:"facility_id"`
	Status     IncidentStatus  `json:"status"`
	OccurredAt time.Time       `json:"occurred_at"`
}
