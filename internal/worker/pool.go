// Package worker drains check jobs from the queue and runs them through the engine.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/uptime-engine/internal/config"
	"github.com/leozw/uptime-engine/internal/metrics"
	"github.com/leozw/uptime-engine/internal/queue"
)

type JobProcessor interface {
	Process(ctx context.Context, job *queue.Job) (Outcome, error)
}

// Pool connects a queue consumer to the processor. Concurrency is bounded by the consumer.
type Pool struct {
	consumer        queue.Consumer
	processor       JobProcessor
	jobTimeout      time.Duration
	shutdownTimeout time.Duration
	logger          *zap.Logger
	metrics         *metrics.Collector
}

func NewPool(consumer queue.Consumer, processor JobProcessor, cfg config.WorkerConfig, logger *zap.Logger, collector *metrics.Collector) *Pool {
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 90 * time.Second
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	return &Pool{
		consumer:        consumer,
		processor:       processor,
		jobTimeout:      jobTimeout,
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
		metrics:         collector,
	}
}

// Run consumes until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Worker pool started")
	err := p.consumer.Consume(ctx, p.handle)
	p.logger.Info("Worker pool stopped")
	return err
}

// Shutdown waits up to the shutdown timeout for in-flight jobs.
func (p *Pool) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.shutdownTimeout)
	defer cancel()

	if err := p.consumer.Shutdown(ctx); err != nil {
		p.logger.Warn("Forced worker pool shutdown", zap.Error(err))
		return err
	}
	return nil
}

func (p *Pool) handle(ctx context.Context, job *queue.Job) (err error) {
	start := time.Now()
	outcome := OutcomeError
	p.metrics.JobStarted()

	logger := p.logger.With(zap.String("job_id", job.ID), zap.Int64("monitor_id", job.MonitorID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked", zap.Any("panic", r))
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
		if err != nil {
			outcome = OutcomeError
		}
		p.metrics.JobFinished(string(outcome), time.Since(start))
	}()

	// checks in flight finish on their own deadline even during shutdown
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.jobTimeout)
	defer cancel()

	outcome, err = p.processor.Process(jobCtx, job)
	if err != nil {
		logger.Error("Failed to process job", zap.Error(err))
		return err
	}

	logger.Debug("Job completed",
		zap.String("outcome", string(outcome)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}
