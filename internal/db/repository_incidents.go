package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (r *Repository) GetActiveIncident(ctx context.Context, monitorID int64, region string) (*Incident, error) {
	var incident Incident
	query := `
        SELECT * FROM incidents
        WHERE monitor_id = $1 AND region = $2 AND status = 'active'
        LIMIT 1`
	err := r.db.GetContext(ctx, &incident, query, monitorID, region)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveIncident
	}
	if err != nil {
		return nil, fmt.Errorf("get active incident: %w", err)
	}
	return &incident, nil
}

// CreateIncident inserts an active incident. It reports false when another
// active incident already exists for the same monitor and region.
func (r *Repository) CreateIncident(ctx context.Context, incident *Incident) (bool, error) {
	query := `
        INSERT INTO incidents (
            organization_id, monitor_id, region, start_time, status,
            last_error, last_error_type, failure_count
        ) VALUES (
            :organization_id, :monitor_id, :region, :start_time, :status,
            :last_error, :last_error_type, :failure_count
        )
        ON CONFLICT (monitor_id, region) WHERE status = 'active' DO NOTHING
        RETURNING id`

	rows, err := r.db.NamedQueryContext(ctx, query, incident)
	if err != nil {
		return false, fmt.Errorf("create incident: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return false, rows.Err()
	}
	if err := rows.Scan(&incident.ID); err != nil {
		return false, fmt.Errorf("scan incident id: %w", err)
	}
	return true, nil
}

func (r *Repository) EscalateIncident(ctx context.Context, id int64, lastError, lastErrorType *string) error {
	query := `
        UPDATE incidents SET
            failure_count = failure_count + 1,
            last_error = COALESCE($2, last_error),
            last_error_type = COALESCE($3, last_error_type)
        WHERE id = $1 AND status = 'active'`
	if _, err := r.db.ExecContext(ctx, query, id, lastError, lastErrorType); err != nil {
		return fmt.Errorf("escalate incident %d: %w", id, err)
	}
	return nil
}

func (r *Repository) ResolveIncident(ctx context.Context, id int64, at time.Time) error {
	query := `
        UPDATE incidents SET
            status = 'resolved',
            end_time = $2,
            resolved_at = $2
        WHERE id = $1 AND status = 'active'`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("resolve incident %d: %w", id, err)
	}
	return nil
}
