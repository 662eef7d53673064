package domain

import "time"

// BIOutcome is the result of a biological indicator test.
type BIOutcome string

// BI test outcomes.
const (
	BIOutcomePass BIOutcome = "pass"
	BIOutcomeFail BIOutcome = "fail"
)

// BITestResult is an entry of the BI test result history.
type BITestResult struct {
	ID         string    `json:"id"`
	FacilityID string    `json:"facility_id"`
	Outcome    BIOutcome `json:"outcome"`
	TestedAt   time.Time `json:"tested_at"`
}

// AssetState is the processing state of a tool.
type AssetState string

// Asset states. Only dirty and contaminated count as contamination.
const (
	AssetStateClean        AssetState = "clean"
	AssetStateSterile      AssetState = "sterile"
	AssetStateInUse        AssetState = "in_use"
	AssetStateDirty        AssetState = "dirty"
	AssetStateContaminated AssetState = "contaminated"
)

// IsContaminated reports whether the state marks a tool as contaminated.
func (s AssetState) IsContaminated() bool {
	return s == AssetStateDirty || s == AssetStateContaminated
}

// AssetTransition is a scan that moved a tool from one state to another.
type AssetTransition struct {
	AssetID    string     `json:"asset_id"`
	FromState  AssetState `json:"from_state"`
	ToState    AssetState `json:"to_state"`
	OccurredAt time.Time  `json:"occurred_at"`
	RoomID     string     `json:"room_id"`
	UserID     string     `json:"user_id"`
}

// RoomState is the occupancy state of a room.
type RoomState string

// Room states.
const (
	RoomStateAvailable RoomState = "available"
	RoomStateInUse     RoomState = "in_use"
	RoomStateCleaning  RoomState = "cleaning"
)

// RoomStateEvent records a room entering a state.
type RoomStateEvent struct {
	RoomID     string    `json:"room_id"`
	RoomName   string    `json:"room_name"`
	State      RoomState `json:"state"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RoomExposure lists what was implicated in one room.
type RoomExposure struct {
	RoomID         string    `json:"room_id"`
	RoomName       string    `json:"room_name"`
	ContaminatedAt time.Time `json:"contaminated_at"`
	InUseAt        time.Time `json:"in_use_at"`
	Users          []string  `json:"users"`
	ToolIDs        []string  `json:"tool_ids"`
}

// ExposureReport is computed on demand and never persisted.
type ExposureReport struct {
	IncidentID         string         `json:"incident_id"`
	IncidentNumber     string         `json:"incident_number"`
	FacilityID         string         `json:"facility_id"`
	WindowStart        time.Time      `json:"window_start"`
	WindowEnd          time.Time      `json:"window_end"`
	TotalRoomsAffected int            `json:"total_rooms_affected"`
	Rooms              []RoomExposure `json:"rooms"`
	GeneratedAt        time.Time      `json:"generated_at"`
}
