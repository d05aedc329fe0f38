package regional

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
	"github.com/leozw/uptime-engine/internal/metrics"
)

// ErrNoEligibleRegions means the check cycle is skipped entirely.
var ErrNoEligibleRegions = errors.New("no eligible regions")

const DefaultAgentTimeout = 60 * time.Second

type RegionResult struct {
	Region string
	Result *core.CheckResult
}

// Outcome holds every settled region result, in dispatch order, and their aggregate.
type Outcome struct {
	Aggregate *core.CheckResult
	Regions   []RegionResult
}

type Coordinator struct {
	registry Registry
	agent    Agent
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Collector
}

func NewCoordinator(registry Registry, agent Agent, timeout time.Duration, logger *zap.Logger, collector *metrics.Collector) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}
	return &Coordinator{
		registry: registry,
		agent:    agent,
		timeout:  timeout,
		logger:   logger,
		metrics:  collector,
	}
}

// Dispatch runs the monitor on every eligible region concurrently and waits for
// all of them. A failing region never cancels its siblings.
func (c *Coordinator) Dispatch(ctx context.Context, jobID string, monitor *db.Monitor) (*Outcome, error) {
	regions, err := c.registry.ListRegions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list regions: %w", err)
	}

	eligible := Eligible(monitor, regions)
	if len(eligible) == 0 {
		return nil, ErrNoEligibleRegions
	}

	start := time.Now()
	req := NewAgentRequest(jobID, monitor)
	results := make([]RegionResult, len(eligible))

	// branches never return an error so none of them can stop the others
	var g errgroup.Group
	for i, region := range eligible {
		i, region := i, region
		g.Go(func() error {
			results[i] = c.run(ctx, region, req)
			return nil
		})
	}
	_ = g.Wait()

	outcome := &Outcome{Aggregate: Aggregate(results), Regions: results}
	c.metrics.ObserveDispatch(outcome.Aggregate.Status, time.Since(start))
	return outcome, nil
}

func (c *Coordinator) run(ctx context.Context, region *db.Region, req *AgentRequest) (rr RegionResult) {
	rr.Region = region.Code
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Regional branch panicked",
				zap.String("region", region.Code),
				zap.Int64("monitor_id", req.MonitorID),
				zap.Any("panic", r),
			)
			rr.Result = core.AgentError(fmt.Sprintf("regional dispatch panicked: %v", r), time.Since(start))
		}
	}()

	branchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.agent.Check(branchCtx, region, req)
	if err == nil {
		rr.Result, err = resp.Result()
	}
	if err != nil {
		c.metrics.RecordAgentError(region.Code)
		c.logger.Warn("Agent call failed",
			zap.String("region", region.Code),
			zap.Int64("monitor_id", req.MonitorID),
			zap.Error(err),
		)
		rr.Result = core.AgentError(err, time.Since(start))
	}
	return rr
}

// Aggregate reduces region results: success needs a strict majority of successful
// regions, and the response time is the mean over successful regions only (0 when none).
func Aggregate(results []RegionResult) *core.CheckResult {
	var (
		successes int
		total     float64
	)
	for _, r := range results {
		if r.Result.Status.IsSuccess() {
			successes++
			total += r.Result.ResponseTimeMs
		}
	}

	agg := &core.CheckResult{Status: core.StatusFailure}
	if successes*2 > len(results) {
		agg.Status = core.StatusSuccess
	}
	if successes > 0 {
		agg.ResponseTimeMs = total / float64(successes)
	}
	return agg
}
