package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
	"github.com/leozw/uptime-engine/internal/metrics"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// CheckRunner executes one probe locally.
type CheckRunner interface {
	Run(ctx context.Context, monitor *db.Monitor) *core.CheckResult
}

type Handler struct {
	pingers map[string]Pinger
	runner  CheckRunner
	region  string
	logger  *zap.Logger
	metrics *metrics.Collector
}

func NewHandler(runner CheckRunner, region string, logger *zap.Logger, collector *metrics.Collector) *Handler {
	return &Handler{
		pingers: make(map[string]Pinger),
		runner:  runner,
		region:  region,
		logger:  logger,
		metrics: collector,
	}
}

// AddDependency makes readiness depend on p.
func (h *Handler) AddDependency(name string, p Pinger) {
	h.pingers[name] = p
}
