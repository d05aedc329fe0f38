// Package queue delivers check jobs from a durable broker with at-least-once semantics.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTimeout    = errors.New("queue timeout")
	ErrInvalidJob = errors.New("invalid job")
)

// Job asks for one check of a monitor. ID is optional; without it no dedupe happens.
type Job struct {
	ID         string    `json:"id,omitempty"`
	MonitorID  int64     `json:"monitorId"`
	EnqueuedAt time.Time `json:"enqueuedAt,omitempty"`
}

func NewJob(monitorID int64) *Job {
	return &Job{
		ID:         uuid.NewString(),
		MonitorID:  monitorID,
		EnqueuedAt: time.Now().UTC(),
	}
}

func DecodeJob(body []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if job.MonitorID <= 0 {
		return nil, fmt.Errorf("%w: missing monitorId", ErrInvalidJob)
	}
	return &job, nil
}

// Handler processes one job. A returned error hands the job back to the broker.
type Handler func(ctx context.Context, job *Job) error

// Consumer feeds jobs to a handler with bounded concurrency until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	// Shutdown stops intake and waits for in-flight handlers until ctx expires.
	Shutdown(ctx context.Context) error
}
