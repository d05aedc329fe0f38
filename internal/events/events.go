// Package events builds monitor events from check results and fans them out to sinks.
package events

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
	"github.com/leozw/uptime-engine/internal/metrics"
)

type Sink interface {
	WriteEvent(ctx context.Context, event *db.MonitorEvent) error
}

// New derives the immutable event row for one check. Timestamps are UTC with second precision
// and durations are rounded; negative values are dropped.
func New(monitor *db.Monitor, region string, result *core.CheckResult, at time.Time) *db.MonitorEvent {
	event := &db.MonitorEvent{
		MonitorID:         monitor.ID,
		OrganizationID:    monitor.OrganizationID,
		Timestamp:         at.UTC().Truncate(time.Second),
		MonitorType:       monitor.Type,
		MonitorURL:        monitor.Target(),
		MonitorName:       monitor.Name,
		Region:            region,
		Status:            string(result.Status),
		ResponseTimeMs:    roundNonNegative(result.ResponseTimeMs),
		DNSTimeMs:         core.RoundMs(result.Timing.DNSMs),
		TCPTimeMs:         core.RoundMs(result.Timing.TCPMs),
		TLSTimeMs:         core.RoundMs(result.Timing.TLSMs),
		TTFBTimeMs:        core.RoundMs(result.Timing.TTFBMs),
		TransferTimeMs:    core.RoundMs(result.Timing.TransferMs),
		ValidationErrors:  db.StringSlice(result.ValidationErrors),
		ResponseHeaders:   db.StringMap(result.Headers),
		ResponseSizeBytes: result.BodySizeBytes,
	}

	if result.StatusCode > 0 {
		code := result.StatusCode
		event.StatusCode = &code
	}
	if monitor.Type == db.MonitorTypeTCP && monitor.Config.Port > 0 {
		port := monitor.Config.Port
		event.Port = &port
	}
	if result.Error != nil {
		msg, errType := result.Error.Message, string(result.Error.Type)
		event.ErrorMessage = &msg
		event.ErrorType = &errType
	}

	return event
}

func roundNonNegative(v float64) int {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return int(math.Round(v))
}

// Recorder writes every event to the primary store and forwards it to secondary sinks.
// Only the primary write can fail the caller.
type Recorder struct {
	primary   Sink
	secondary map[string]Sink
	logger    *zap.Logger
	metrics   *metrics.Collector
}

func NewRecorder(primary Sink, logger *zap.Logger, collector *metrics.Collector) *Recorder {
	return &Recorder{
		primary:   primary,
		secondary: make(map[string]Sink),
		logger:    logger,
		metrics:   collector,
	}
}

// AddSink registers a best-effort sink under name.
func (r *Recorder) AddSink(name string, sink Sink) {
	r.secondary[name] = sink
}

func (r *Recorder) Record(ctx context.Context, event *db.MonitorEvent) error {
	err := r.primary.WriteEvent(ctx, event)
	r.metrics.RecordEventWritten("primary", err)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	for name, sink := range r.secondary {
		err := sink.WriteEvent(ctx, event)
		r.metrics.RecordEventWritten(name, err)
		if err != nil {
			r.logger.Warn("Secondary event sink failed",
				zap.String("sink", name),
				zap.Int64("monitor_id", event.MonitorID),
				zap.String("region", event.Region),
				zap.Error(err),
			)
		}
	}
	return nil
}
