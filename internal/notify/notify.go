// Package notify hands incident transitions to the external delivery service.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/uptime-engine/internal/db"
)

type Kind string

const (
	KindDown     Kind = "down"
	KindRecovery Kind = "recovery"
)

type Dispatcher interface {
	SendIncidentNotifications(ctx context.Context, monitor *db.Monitor, incident *db.Incident, kind Kind) error
}

// Message is the payload published for the delivery service.
type Message struct {
	Kind     Kind           `json:"kind"`
	Monitor  MonitorSummary `json:"monitor"`
	Incident *db.Incident   `json:"incident"`
	SentAt   time.Time      `json:"sentAt"`
}

type MonitorSummary struct {
	ID             int64          `json:"id"`
	OrganizationID int64          `json:"organizationId"`
	Name           string         `json:"name"`
	Type           db.MonitorType `json:"type"`
	Target         string         `json:"target"`
}

func NewMessage(monitor *db.Monitor, incident *db.Incident, kind Kind, at time.Time) Message {
	return Message{
		Kind: kind,
		Monitor: MonitorSummary{
			ID:             monitor.ID,
			OrganizationID: monitor.OrganizationID,
			Name:           monitor.Name,
			Type:           monitor.Type,
			Target:         monitor.Target(),
		},
		Incident: incident,
		SentAt:   at.UTC(),
	}
}

type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) SendIncidentNotifications(_ context.Context, monitor *db.Monitor, incident *db.Incident, kind Kind) error {
	d.logger.Info("Incident notification",
		zap.String("kind", string(kind)),
		zap.Int64("monitor_id", monitor.ID),
		zap.String("monitor_name", monitor.Name),
		zap.Int64("incident_id", incident.ID),
		zap.String("region", incident.Region),
	)
	return nil
}

// Publisher is the broker side of BrokerDispatcher.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

type BrokerDispatcher struct {
	publisher  Publisher
	exchange   string
	routingKey string
}

func NewBrokerDispatcher(publisher Publisher, exchange, routingKey string) *BrokerDispatcher {
	return &BrokerDispatcher{publisher: publisher, exchange: exchange, routingKey: routingKey}
}

func (d *BrokerDispatcher) SendIncidentNotifications(ctx context.Context, monitor *db.Monitor, incident *db.Incident, kind Kind) error {
	body, err := json.Marshal(NewMessage(monitor, incident, kind, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := d.publisher.Publish(ctx, d.exchange, d.routingKey+"."+string(kind), body); err != nil {
		return fmt.Errorf("failed to publish %s notification for incident %d: %w", kind, incident.ID, err)
	}
	return nil
}
