package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
	"github.com/leozw/uptime-engine/internal/events"
	"github.com/leozw/uptime-engine/internal/incidents"
	"github.com/leozw/uptime-engine/internal/metrics"
	"github.com/leozw/uptime-engine/internal/queue"
	"github.com/leozw/uptime-engine/internal/regional"
	"github.com/leozw/uptime-engine/internal/storage/redis"
	"github.com/leozw/uptime-engine/internal/validation"
)

// Outcome labels how a job left the pool.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNoRegions Outcome = "no_regions"
	OutcomeError     Outcome = "error"
)

type MonitorSource interface {
	GetMonitor(ctx context.Context, id int64) (*db.Monitor, error)
}

// StatusStore holds the monitor-level status row and the event history used
// to derive regional counts.
type StatusStore interface {
	UpdateStatus(ctx context.Context, monitorID int64, state core.MonitorState, checkedAt time.Time) (*db.MonitorStatus, error)
	RecentStatuses(ctx context.Context, monitorID int64, region string, limit int) ([]core.CheckStatus, error)
}

type EventRecorder interface {
	Record(ctx context.Context, event *db.MonitorEvent) error
}

type IncidentEvaluator interface {
	Evaluate(ctx context.Context, monitor *db.Monitor, region string, counts incidents.Counts, result *core.CheckResult) (incidents.Transition, error)
}

type CheckRunner interface {
	Run(ctx context.Context, monitor *db.Monitor) *core.CheckResult
}

type RegionalDispatcher interface {
	Dispatch(ctx context.Context, jobID string, monitor *db.Monitor) (*regional.Outcome, error)
}

type Claimer interface {
	Claim(ctx context.Context, jobID string) (bool, error)
	Release(ctx context.Context, jobID string) error
}

type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Dependencies wires a Processor. Dedupe and Locks are optional.
type Dependencies struct {
	Monitors  MonitorSource
	Status    StatusStore
	Events    EventRecorder
	Incidents IncidentEvaluator
	Runner    CheckRunner
	Regional  RegionalDispatcher
	Dedupe    Claimer
	Locks     Locker
}

// Processor runs one check job end to end.
type Processor struct {
	Dependencies
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

func NewProcessor(deps Dependencies, logger *zap.Logger, collector *metrics.Collector) *Processor {
	return &Processor{
		Dependencies: deps,
		logger:       logger,
		metrics:      collector,
		now:          time.Now,
	}
}

// Process handles a job. A returned error means the job should be retried by the broker.
func (p *Processor) Process(ctx context.Context, job *queue.Job) (Outcome, error) {
	claimed := false
	if job.ID != "" && p.Dedupe != nil {
		ok, err := p.Dedupe.Claim(ctx, job.ID)
		switch {
		case err != nil:
			p.logger.Warn("Job dedupe unavailable, processing anyway", zap.String("job_id", job.ID), zap.Error(err))
		case !ok:
			p.logger.Debug("Skipping duplicate job", zap.String("job_id", job.ID), zap.Int64("monitor_id", job.MonitorID))
			return OutcomeDuplicate, nil
		default:
			claimed = true
		}
	}

	outcome, err := p.process(ctx, job)
	if err != nil && claimed {
		if rerr := p.Dedupe.Release(context.WithoutCancel(ctx), job.ID); rerr != nil {
			p.logger.Warn("Failed to release job claim", zap.String("job_id", job.ID), zap.Error(rerr))
		}
	}
	return outcome, err
}

func (p *Processor) process(ctx context.Context, job *queue.Job) (outcome Outcome, err error) {
	monitor, err := p.Monitors.GetMonitor(ctx, job.MonitorID)
	if errors.Is(err, db.ErrMonitorNotFound) {
		p.logger.Debug("Discarding job for unknown monitor", zap.Int64("monitor_id", job.MonitorID))
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeError, fmt.Errorf("failed to load monitor %d: %w", job.MonitorID, err)
	}
	if !monitor.Enabled {
		return OutcomeSkipped, nil
	}

	// a fault before persistence still yields one event and one status update.
	// Persistence steps recover their own panics into errors.
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Check pipeline panicked",
				zap.Int64("monitor_id", monitor.ID),
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
			)
			outcome, err = OutcomeProcessed, p.recordInternal(ctx, monitor, r)
		}
	}()

	if monitor.IsGlobal() {
		return p.runGlobal(ctx, job, monitor)
	}
	return OutcomeProcessed, p.runLocal(ctx, monitor)
}

func (p *Processor) runLocal(ctx context.Context, monitor *db.Monitor) error {
	result := p.execute(ctx, monitor)
	validation.Apply(result, monitor.ValidationRules)
	return p.persistLocal(ctx, monitor, result)
}

// execute runs the executor, turning a panic into an internal_error result.
func (p *Processor) execute(ctx context.Context, monitor *db.Monitor) (result *core.CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Check executor panicked", zap.Int64("monitor_id", monitor.ID), zap.Any("panic", r))
			result = core.InternalError(r)
		}
	}()
	return p.Runner.Run(ctx, monitor)
}

// persistLocal writes the event, advances the status row and applies the incident rules.
func (p *Processor) persistLocal(ctx context.Context, monitor *db.Monitor, result *core.CheckResult) (err error) {
	at := p.now().UTC()
	region := core.RegionLocal
	defer p.recoverPersist(monitor.ID, region, &err)

	if err := p.Events.Record(ctx, events.New(monitor, region, result, at)); err != nil {
		return err
	}

	unlock := p.lock(ctx, monitor.ID, region)
	defer unlock()

	status, err := p.Status.UpdateStatus(ctx, monitor.ID, core.StateFor(result.Status), at)
	if err != nil {
		return fmt.Errorf("failed to update status of monitor %d: %w", monitor.ID, err)
	}

	if _, err := p.Incidents.Evaluate(ctx, monitor, region, incidents.FromStatus(status), result); err != nil {
		return fmt.Errorf("failed to evaluate incident of monitor %d: %w", monitor.ID, err)
	}

	p.metrics.RecordCheck(monitor, region, result)
	return nil
}

func (p *Processor) runGlobal(ctx context.Context, job *queue.Job, monitor *db.Monitor) (Outcome, error) {
	jobID := job.ID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	outcome, err := p.Regional.Dispatch(ctx, jobID, monitor)
	if errors.Is(err, regional.ErrNoEligibleRegions) {
		p.logger.Info("No eligible regions, skipping check cycle", zap.Int64("monitor_id", monitor.ID))
		return OutcomeNoRegions, nil
	}
	if err != nil {
		p.logger.Error("Regional dispatch failed", zap.Int64("monitor_id", monitor.ID), zap.Error(err))
		return OutcomeProcessed, p.recordInternal(ctx, monitor, err)
	}

	at := p.now().UTC()
	var errs []error
	for _, rr := range outcome.Regions {
		if err := p.persistRegion(ctx, monitor, rr, at); err != nil {
			errs = append(errs, err)
		}
	}

	if err := p.updateAggregate(ctx, monitor, outcome.Aggregate.Status, at); err != nil {
		errs = append(errs, err)
	}

	p.logger.Debug("Global check completed",
		zap.Int64("monitor_id", monitor.ID),
		zap.Int("regions", len(outcome.Regions)),
		zap.String("status", string(outcome.Aggregate.Status)),
		zap.Float64("response_time_ms", outcome.Aggregate.ResponseTimeMs),
	)
	return OutcomeProcessed, errors.Join(errs...)
}

// persistRegion derives the region's counts from its history, then records the
// event and applies the incident rules for (monitor, region).
func (p *Processor) persistRegion(ctx context.Context, monitor *db.Monitor, rr regional.RegionResult, at time.Time) (err error) {
	defer p.recoverPersist(monitor.ID, rr.Region, &err)

	unlock := p.lock(ctx, monitor.ID, rr.Region)
	defer unlock()

	prior, err := p.Status.RecentStatuses(ctx, monitor.ID, rr.Region, incidents.ScanDepth())
	if err != nil {
		return fmt.Errorf("failed to read history of monitor %d in %s: %w", monitor.ID, rr.Region, err)
	}
	counts := incidents.Derive(rr.Result.Status, prior)

	if err := p.Events.Record(ctx, events.New(monitor, rr.Region, rr.Result, at)); err != nil {
		return err
	}

	if _, err := p.Incidents.Evaluate(ctx, monitor, rr.Region, counts, rr.Result); err != nil {
		return fmt.Errorf("failed to evaluate incident of monitor %d in %s: %w", monitor.ID, rr.Region, err)
	}

	p.metrics.RecordCheck(monitor, rr.Region, rr.Result)
	return nil
}

func (p *Processor) updateAggregate(ctx context.Context, monitor *db.Monitor, status core.CheckStatus, at time.Time) (err error) {
	defer p.recoverPersist(monitor.ID, "global", &err)

	if _, err := p.Status.UpdateStatus(ctx, monitor.ID, core.StateFor(status), at); err != nil {
		return fmt.Errorf("failed to update status of monitor %d: %w", monitor.ID, err)
	}
	return nil
}

func (p *Processor) recordInternal(ctx context.Context, monitor *db.Monitor, cause any) error {
	return p.persistLocal(ctx, monitor, core.InternalError(cause))
}

// recoverPersist turns a panic during persistence into an error. Part of the
// result may already be stored, so no internal_error result is synthesized.
func (p *Processor) recoverPersist(monitorID int64, region string, err *error) {
	if r := recover(); r != nil {
		p.logger.Error("Persisting check result panicked",
			zap.Int64("monitor_id", monitorID),
			zap.String("region", region),
			zap.Any("panic", r),
		)
		*err = fmt.Errorf("persisting result of monitor %d in %s panicked: %v", monitorID, region, r)
	}
}

// lock serializes state machine steps of one key across workers. Failing to
// lock is logged and the step proceeds.
func (p *Processor) lock(ctx context.Context, monitorID int64, region string) func() {
	if p.Locks == nil {
		return func() {}
	}

	key := fmt.Sprintf("monitor:%d:%s", monitorID, region)
	unlock, err := p.Locks.Lock(ctx, key)
	if err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			p.logger.Warn("Proceeding without state lock", zap.String("key", key))
		} else {
			p.logger.Warn("State lock unavailable", zap.String("key", key), zap.Error(err))
		}
		return func() {}
	}
	return unlock
}
