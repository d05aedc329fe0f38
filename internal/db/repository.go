package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/leozw/uptime-engine/internal/config"
	"github.com/leozw/uptime-engine/internal/core"
)

var (
	ErrMonitorNotFound  = errors.New("monitor not found")
	ErrNoActiveIncident = errors.New("no active incident")
)

type Repository struct {
	db *sqlx.DB
}

func NewConnection(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Monitor operations
func (r *Repository) GetMonitor(ctx context.Context, id int64) (*Monitor, error) {
	var m Monitor
	query := `
        SELECT id, organization_id, name, type, mode, regions, config,
               validation_rules, enabled, interval_seconds, created_at, updated_at
        FROM monitors WHERE id = $1`
	err := r.db.GetContext(ctx, &m, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMonitorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get monitor %d: %w", id, err)
	}
	return &m, nil
}

// Region registry
func (r *Repository) ListRegions(ctx context.Context) ([]*Region, error) {
	regions := []*Region{}
	query := `
        SELECT code, name, agent_url, enabled, is_healthy, last_health_check_at
        FROM regions ORDER BY code`
	if err := r.db.SelectContext(ctx, &regions, query); err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	return regions, nil
}

func (r *Repository) UpdateRegionHealth(ctx context.Context, code string, healthy bool, checkedAt time.Time) error {
	query := `UPDATE regions SET is_healthy = $2, last_health_check_at = $3 WHERE code = $1`
	if _, err := r.db.ExecContext(ctx, query, code, healthy, checkedAt); err != nil {
		return fmt.Errorf("update region %s health: %w", code, err)
	}
	return nil
}

// UpdateStatus applies one check outcome to the monitor status row. Counters are
// computed by the database in a single statement so concurrent deliveries
// cannot lose an update.
func (r *Repository) UpdateStatus(ctx context.Context, monitorID int64, state core.MonitorState, checkedAt time.Time) (*MonitorStatus, error) {
	query := `
        INSERT INTO monitor_status (
            monitor_id, last_checked_at, current_status,
            consecutive_failures, consecutive_successes, updated_at
        ) VALUES (
            $1, $2, $3,
            CASE WHEN $3 = 'up' THEN 0 ELSE 1 END,
            CASE WHEN $3 = 'up' THEN 1 ELSE 0 END,
            NOW()
        ) ON CONFLICT (monitor_id) DO UPDATE SET
            last_checked_at = EXCLUDED.last_checked_at,
            current_status = EXCLUDED.current_status,
            consecutive_failures = CASE WHEN EXCLUDED.current_status = 'up'
                THEN 0 ELSE monitor_status.consecutive_failures + 1 END,
            consecutive_successes = CASE WHEN EXCLUDED.current_status = 'up'
                THEN monitor_status.consecutive_successes + 1 ELSE 0 END,
            updated_at = NOW()
        RETURNING monitor_id, last_checked_at, current_status,
                  consecutive_failures, consecutive_successes, updated_at`

	var status MonitorStatus
	if err := r.db.GetContext(ctx, &status, query, monitorID, checkedAt, string(state)); err != nil {
		return nil, fmt.Errorf("update status for monitor %d: %w", monitorID, err)
	}
	return &status, nil
}
