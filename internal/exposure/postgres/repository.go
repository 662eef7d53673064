// Package postgres provides PostgreSQL implementations of the exposure
// collaborator histories.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/biwatch/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads BI test results, asset transitions and room state events.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// LastFailedAtOrBefore returns the latest failed BI test at or before at.
func (r *Repository) LastFailedAtOrBefore(ctx context.Context, facilityID string, at time.Time) (*domain.BITestResult, error) {
	query := `
		SELECT id, facility_id, outcome, tested_at
		FROM bi_test_results
		WHERE facility_id = $1 AND outcome = 'fail' AND tested_at <= $2
		ORDER BY tested_at DESC
		LIMIT 1
	`
	return r.latestResult(ctx, query, facilityID, at)
}

// LastPassedBefore returns the latest passed BI test strictly before before.
func (r *Repository) LastPassedBefore(ctx context.Context, facilityID string, before time.Time) (*domain.BITestResult, error) {
	query := `
		SELECT id, facility_id, outcome, tested_at
		FROM bi_test_results
		WHERE facility_id = $1 AND outcome = 'pass' AND tested_at < $2
		ORDER BY tested_at DESC
		LIMIT 1
	`
	return r.latestResult(ctx, query, facilityID, before)
}

func (r *Repository) latestResult(ctx context.Context, query, facilityID string, t time.Time) (*domain.BITestResult, error) {
	var result domain.BITestResult
	err := r.db.QueryRow(ctx, query, facilityID, t).Scan(
		&result.ID,
		&result.FacilityID,
		&result.Outcome,
		&result.TestedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get bi test result: %w", err)
	}
	return &result, nil
}

// ListTransitions returns asset transitions with from <= occurred_at <= to.
func (r *Repository) ListTransitions(ctx context.Context, facilityID string, from, to time.Time) ([]domain.AssetTransition, error) {
	query := `
		SELECT asset_id, from_state, to_state, occurred_at, COALESCE(room_id, ''), COALESCE(user_id, '')
		FROM asset_transitions
		WHERE facility_id = $1 AND occurred_at BETWEEN $2 AND $3
		ORDER BY occurred_at, id
	`
	rows, err := r.db.Query(ctx, query, facilityID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list asset transitions: %w", err)
	}
	defer rows.Close()

	transitions := make([]domain.AssetTransition, 0)
	for rows.Next() {
		var t domain.AssetTransition
		if err := rows.Scan(&t.AssetID, &t.FromState, &t.ToState, &t.OccurredAt, &t.RoomID, &t.UserID); err != nil {
			return nil, fmt.Errorf("scan asset transition: %w", err)
		}
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate asset transitions: %w", err)
	}

	return transitions, nil
}

// ListRoomEvents returns each room's latest event at or before from plus
// every event with from < occurred_at <= to.
func (r *Repository) ListRoomEvents(ctx context.Context, facilityID string, from, to time.Time) ([]domain.RoomStateEvent, error) {
	query := `
		SELECT room_id, room_name, state, occurred_at FROM (
			SELECT DISTINCT ON (room_id) room_id, room_name, state, occurred_at, id
			FROM room_state_events
			WHERE facility_id = $1 AND occurred_at <= $2
			ORDER BY room_id, occurred_at DESC, id DESC
		) AS prior
		UNION ALL
		SELECT room_id, room_name, state, occurred_at
		FROM room_state_events
		WHERE facility_id = $1 AND occurred_at > $2 AND occurred_at <= $3
		ORDER BY occurred_at
	`
	rows, err := r.db.Query(ctx, query, facilityID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list room events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.RoomStateEvent, 0)
	for rows.Next() {
		var e domain.RoomStateEvent
		if err := rows.Scan(&e.RoomID, &e.RoomName, &e.State, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan room event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room events: %w", err)
	}

	return events, nil
}

// RecordTestResult stores a BI test result.
func (r *Repository) RecordTestResult(ctx context.Context, result *domain.BITestResult) error {
	query := `
		INSERT INTO bi_test_results (facility_id, outcome, tested_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	if err := r.db.QueryRow(ctx, query, result.FacilityID, result.Outcome, result.TestedAt).Scan(&result.ID); err != nil {
		return fmt.Errorf("record bi test result: %w", err)
	}
	return nil
}

// RecordTransition stores an asset transition.
func (r *Repository) RecordTransition(ctx context.Context, facilityID string, t domain.AssetTransition) error {
	query := `
		INSERT INTO asset_transitions (facility_id, asset_id, from_state, to_state, occurred_at, room_id, user_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
	`
	if _, err := r.db.Exec(ctx, query, facilityID, t.AssetID, t.FromState, t.ToState, t.OccurredAt, t.RoomID, t.UserID); err != nil {
		return fmt.Errorf("record asset transition: %w", err)
	}
	return nil
}

// RecordRoomEvent stores a room state event.
func (r *Repository) RecordRoomEvent(ctx context.Context, facilityID string, e domain.RoomStateEvent) error {
	query := `
		INSERT INTO room_state_events (facility_id, room_id, room_name, state, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.db.Exec(ctx, query, facilityID, e.RoomID, e.RoomName, e.State, e.OccurredAt); err != nil {
		return fmt.Errorf("record room event: %w", err)
	}
	return nil
}
