package db

import (
	"context"
	"fmt"

	"github.com/leozw/uptime-engine/internal/core"
)

// WriteEvent appends one check event.
func (r *Repository) WriteEvent(ctx context.Context, event *MonitorEvent) error {
	query := `
        INSERT INTO monitor_events (
            monitor_id, organization_id, timestamp, monitor_type, monitor_url,
            monitor_name, region, status, status_code, response_time_ms,
            dns_time_ms, tcp_time_ms, tls_time_ms, ttfb_time_ms, transfer_time_ms,
            validation_errors, response_headers, response_size_bytes, port,
            error_message, error_type
        ) VALUES (
            :monitor_id, :organization_id, :timestamp, :monitor_type, :monitor_url,
            :monitor_name, :region, :status, :status_code, :response_time_ms,
            :dns_time_ms, :tcp_time_ms, :tls_time_ms, :ttfb_time_ms, :transfer_time_ms,
            :validation_errors, :response_headers, :response_size_bytes, :port,
            :error_message, :error_type
        )`

	if _, err := r.db.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("insert event for monitor %d: %w", event.MonitorID, err)
	}
	return nil
}

// RecentStatuses returns up to limit statuses for a monitor and region, newest first.
func (r *Repository) RecentStatuses(ctx context.Context, monitorID int64, region string, limit int) ([]core.CheckStatus, error) {
	statuses := []core.CheckStatus{}
	query := `
        SELECT status FROM monitor_events
        WHERE monitor_id = $1 AND region = $2
        ORDER BY timestamp DESC, id DESC
        LIMIT $3`
	if err := r.db.SelectContext(ctx, &statuses, query, monitorID, region, limit); err != nil {
		return nil, fmt.Errorf("recent statuses for monitor %d in %s: %w", monitorID, region, err)
	}
	return statuses, nil
}
