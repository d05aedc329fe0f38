package incidents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
	"github.com/leozw/uptime-engine/internal/metrics"
	"github.com/leozw/uptime-engine/internal/notify"
)

// Store persists incidents. CreateIncident reports false when an active incident
// already exists for the key.
type Store interface {
	GetActiveIncident(ctx context.Context, monitorID int64, region string) (*db.Incident, error)
	CreateIncident(ctx context.Context, incident *db.Incident) (bool, error)
	EscalateIncident(ctx context.Context, id int64, lastError, lastErrorType *string) error
	ResolveIncident(ctx context.Context, id int64, at time.Time) error
}

type Action string

const (
	ActionNone      Action = "none"
	ActionOpened    Action = "opened"
	ActionEscalated Action = "escalated"
	ActionResolved  Action = "resolved"
)

// Transition describes what Evaluate did to the incident of a key.
type Transition struct {
	Action   Action
	Incident *db.Incident
}

type Service struct {
	store    Store
	notifier notify.Dispatcher
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

func NewService(store Store, notifier notify.Dispatcher, logger *zap.Logger, collector *metrics.Collector) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		logger:   logger,
		metrics:  collector,
		now:      time.Now,
	}
}

// Evaluate applies the incident rules for one (monitor, region) key after its counts
// were advanced by result.
func (s *Service) Evaluate(ctx context.Context, monitor *db.Monitor, region string, counts Counts, result *core.CheckResult) (Transition, error) {
	active, err := s.store.GetActiveIncident(ctx, monitor.ID, region)
	if err != nil && !errors.Is(err, db.ErrNoActiveIncident) {
		return Transition{Action: ActionNone}, fmt.Errorf("failed to get active incident: %w", err)
	}

	switch counts.State {
	case core.StateDown:
		if active != nil {
			return s.escalate(ctx, active, result)
		}
		if counts.ConsecutiveFailures == FailureThreshold {
			return s.open(ctx, monitor, region, result)
		}
	case core.StateUp:
		if active != nil && counts.ConsecutiveSuccesses == SuccessThreshold {
			return s.resolve(ctx, monitor, active)
		}
	}

	return Transition{Action: ActionNone, Incident: active}, nil
}

func (s *Service) open(ctx context.Context, monitor *db.Monitor, region string, result *core.CheckResult) (Transition, error) {
	lastError, lastErrorType := errorFields(result)
	incident := &db.Incident{
		OrganizationID: monitor.OrganizationID,
		MonitorID:      monitor.ID,
		Region:         region,
		StartTime:      s.now().UTC(),
		Status:         db.IncidentActive,
		LastError:      lastError,
		LastErrorType:  lastErrorType,
		FailureCount:   1,
	}

	created, err := s.store.CreateIncident(ctx, incident)
	if err != nil {
		return Transition{Action: ActionNone}, fmt.Errorf("failed to create incident: %w", err)
	}
	if !created {
		// outra entrega abriu o incidente primeiro
		s.logger.Info("Active incident already exists, skipping creation",
			zap.Int64("monitor_id", monitor.ID),
			zap.String("region", region),
		)
		return Transition{Action: ActionNone}, nil
	}

	s.metrics.RecordIncidentOpened(incident)
	s.logger.Info("Created new incident",
		zap.Int64("incident_id", incident.ID),
		zap.Int64("monitor_id", monitor.ID),
		zap.String("region", region),
	)

	s.notify(ctx, monitor, incident, notify.KindDown)
	return Transition{Action: ActionOpened, Incident: incident}, nil
}

func (s *Service) escalate(ctx context.Context, incident *db.Incident, result *core.CheckResult) (Transition, error) {
	lastError, lastErrorType := errorFields(result)
	if err := s.store.EscalateIncident(ctx, incident.ID, lastError, lastErrorType); err != nil {
		return Transition{Action: ActionNone, Incident: incident}, fmt.Errorf("failed to update incident: %w", err)
	}

	incident.FailureCount++
	if lastError != nil {
		incident.LastError = lastError
		incident.LastErrorType = lastErrorType
	}
	return Transition{Action: ActionEscalated, Incident: incident}, nil
}

func (s *Service) resolve(ctx context.Context, monitor *db.Monitor, incident *db.Incident) (Transition, error) {
	now := s.now().UTC()
	if err := s.store.ResolveIncident(ctx, incident.ID, now); err != nil {
		return Transition{Action: ActionNone, Incident: incident}, fmt.Errorf("failed to resolve incident: %w", err)
	}

	incident.Status = db.IncidentResolved
	incident.EndTime = &now
	incident.ResolvedAt = &now

	s.metrics.RecordIncidentResolved(incident, now)
	s.logger.Info("Resolved incident",
		zap.Int64("incident_id", incident.ID),
		zap.Int64("monitor_id", monitor.ID),
		zap.String("region", incident.Region),
		zap.Duration("downtime", now.Sub(incident.StartTime)),
	)

	s.notify(ctx, monitor, incident, notify.KindRecovery)
	return Transition{Action: ActionResolved, Incident: incident}, nil
}

// notify never lets a dispatcher failure reach the check pipeline.
func (s *Service) notify(ctx context.Context, monitor *db.Monitor, incident *db.Incident, kind notify.Kind) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notification dispatcher panicked: %v", r)
		}
		s.metrics.RecordNotification(string(kind), err)
		if err != nil {
			s.logger.Error("Failed to send incident notification",
				zap.String("kind", string(kind)),
				zap.Int64("incident_id", incident.ID),
				zap.Int64("monitor_id", monitor.ID),
				zap.Error(err),
			)
		}
	}()

	if s.notifier == nil {
		return
	}
	err = s.notifier.SendIncidentNotifications(ctx, monitor, incident, kind)
}

func errorFields(result *core.CheckResult) (*string, *string) {
	if result == nil || result.Error == nil {
		return nil, nil
	}
	msg, errType := result.Error.Message, string(result.Error.Type)
	return &msg, &errType
}
