// Package postgres provides PostgreSQL implementation of the incidents repository.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/biwatch/internal/domain"
	"github.com/bissquit/biwatch/internal/incidents"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const incidentColumns = `
	id, incident_number, facility_id, failure_at, affected_tools_count,
	affected_batch_ids, failure_reason, severity, status, detected_by,
	regulatory_notified, regulatory_notified_at, resolved_by, resolved_at,
	resolution_notes, created_at, updated_at`

// Repository implements incidents.Repository and incidents.ActivityRepository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateIncident inserts a new incident.
func (r *Repository) CreateIncident(ctx context.Context, incident *domain.Incident) error {
	query := `
		INSERT INTO incidents (
			incident_number, facility_id, failure_at, affected_tools_count,
			affected_batch_ids, failure_reason, severity, status, detected_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		incident.IncidentNumber,
		incident.FacilityID,
		incident.FailureAt,
		incident.AffectedToolsCount,
		incident.AffectedBatchIDs,
		incident.FailureReason,
		incident.Severity,
		incident.Status,
		incident.DetectedBy,
	).Scan(&incident.ID, &incident.CreatedAt, &incident.UpdatedAt)

	if err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

// GetIncident retrieves an incident by ID.
func (r *Repository) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, incidents.ErrIncidentNotFound
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`

	incident, err := scanIncident(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incidents.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return incident, nil
}

// ListIncidents retrieves incidents with optional filters, newest first.
func (r *Repository) ListIncidents(ctx context.Context, filter incidents.IncidentFilter) ([]*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if filter.FacilityID != "" {
		query += fmt.Sprintf(" AND facility_id = $%d", argNum)
		args = append(args, filter.FacilityID)
		argNum++
	}

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, *filter.Status)
		argNum++
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argNum)
		args = append(args, statuses)
		argNum++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
		argNum++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	list := make([]*domain.Incident, 0)
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		list = append(list, incident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}

	return list, nil
}

// UpdateIncident writes status, resolution and notification fields when the
// stored status still equals expected.
func (r *Repository) UpdateIncident(ctx context.Context, incident *domain.Incident, expected domain.IncidentStatus) error {
	query := `
		UPDATE incidents
		SET status = $3, resolved_by = $4, resolved_at = $5, resolution_notes = $6,
		    regulatory_notified = $7, regulatory_notified_at = $8, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query,
		incident.ID,
		expected,
		incident.Status,
		incident.ResolvedBy,
		incident.ResolvedAt,
		incident.ResolutionNotes,
		incident.RegulatoryNotified,
		incident.RegulatoryNotifiedAt,
	).Scan(&incident.UpdatedAt)

	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update incident: %w", err)
	}

	// Distinguish a missing row from a lost status race.
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM incidents WHERE id = $1)`, incident.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check incident exists: %w", err)
	}
	if !exists {
		return incidents.ErrIncidentNotFound
	}
	return incidents.ErrStatusConflict
}

// AppendActivity inserts an activity log entry.
func (r *Repository) AppendActivity(ctx context.Context, entry *domain.ActivityLogEntry) error {
	query := `
		INSERT INTO activity_log (type, title, facility_id, incident_id, operator_id, affected_tools_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	var incidentID *string
	if entry.IncidentID != "" {
		incidentID = &entry.IncidentID
	}

	err := r.db.QueryRow(ctx, query,
		entry.Type,
		entry.Title,
		entry.FacilityID,
		incidentID,
		entry.OperatorID,
		entry.AffectedToolsCount,
		entry.CreatedAt,
	).Scan(&entry.ID)

	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// ListActivity retrieves activity entries, newest first.
func (r *Repository) ListActivity(ctx context.Context, filter incidents.ActivityFilter) ([]*domain.ActivityLogEntry, error) {
	query := `
		SELECT id, type, title, facility_id, COALESCE(incident_id::text, ''), operator_id,
		       affected_tools_count, created_at
		FROM activity_log
		WHERE 1=1
	`
	args := []interface{}{}
	argNum := 1

	if filter.FacilityID != "" {
		query += fmt.Sprintf(" AND facility_id = $%d", argNum)
		args = append(args, filter.FacilityID)
		argNum++
	}

	if filter.IncidentID != "" {
		if _, err := uuid.Parse(filter.IncidentID); err != nil {
			return make([]*domain.ActivityLogEntry, 0), nil
		}
		query += fmt.Sprintf(" AND incident_id = $%d", argNum)
		args = append(args, filter.IncidentID)
		argNum++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	entries := make([]*domain.ActivityLogEntry, 0)
	for rows.Next() {
		var e domain.ActivityLogEntry
		if err := rows.Scan(
			&e.ID,
			&e.Type,
			&e.Title,
			&e.FacilityID,
			&e.IncidentID,
			&e.OperatorID,
			&e.AffectedToolsCount,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}

	return entries, nil
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var incident domain.Incident
	err := row.Scan(
		&incident.ID,
		&incident.IncidentNumber,
		&incident.FacilityID,
		&incident.FailureAt,
		&incident.AffectedToolsCount,
		&incident.AffectedBatchIDs,
		&incident.FailureReason,
		&incident.Severity,
		&incident.Status,
		&incident.DetectedBy,
		&incident.RegulatoryNotified,
		&incident.RegulatoryNotifiedAt,
		&incident.ResolvedBy,
		&incident.ResolvedAt,
		&incident.ResolutionNotes,
		&incident.CreatedAt,
		&incident.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &incident, nil
}
