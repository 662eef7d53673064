package domain

import "time"

// ActivityType identifies what happened in an activity log entry.
type ActivityType string

// Activity types.
const (
	ActivityIncidentCreated       ActivityType = "bi_failure_created"
	ActivityIncidentStatusChanged ActivityType = "bi_failure_status_changed"
	ActivityIncidentResolved      ActivityType = "bi_failure_resolved"
	ActivityRegulatoryNotified    ActivityType = "bi_failure_regulatory_notified"
)

// ActivityLogEntry is an append-only record of an incident mutation.
type ActivityLogEntry struct {
	ID                 string       `json:"id"`
	Type               ActivityType `json:"type"`
	Title              string       `json:"title"`
	FacilityID         string       `json:"facility_id"`
	IncidentID         string       `json:"incident_id"`
	OperatorID         string       `json:"operator_id"`
	AffectedToolsCount int          `json:"affected_tools_count"`
	CreatedAt          time.Time    `json:"created_at"`
}
