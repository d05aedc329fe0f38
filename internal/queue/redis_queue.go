package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisQueue is a reliable list queue. Popped jobs wait in a processing list
// until they are acked or pushed back.
type RedisQueue struct {
	client         *redis.Client
	queueName      string
	processingName string
	pollTimeout    time.Duration
	logger         *zap.Logger

	sem     chan struct{}
	wg      sync.WaitGroup
	done    chan struct{}
	started atomic.Bool
}

func NewRedisQueue(client *redis.Client, queueName string, concurrency int, logger *zap.Logger) *RedisQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &RedisQueue{
		client:         client,
		queueName:      queueName,
		processingName: queueName + ":processing",
		pollTimeout:    time.Second,
		logger:         logger,
		sem:            make(chan struct{}, concurrency),
		done:           make(chan struct{}),
	}
}

func (q *RedisQueue) Push(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.LPush(ctx, q.queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

// Pop moves the oldest job into the processing list. raw identifies it for Ack and Requeue.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (job *Job, raw string, err error) {
	raw, err = q.client.BLMove(ctx, q.queueName, q.processingName, "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", ErrTimeout
		}
		return nil, "", fmt.Errorf("failed to pop job: %w", err)
	}

	job, err = DecodeJob([]byte(raw))
	return job, raw, err
}

func (q *RedisQueue) Ack(ctx context.Context, raw string) error {
	return q.client.LRem(ctx, q.processingName, 1, raw).Err()
}

// Requeue puts a job back at the end of the line.
func (q *RedisQueue) Requeue(ctx context.Context, raw string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingName, 1, raw)
		pipe.LPush(ctx, q.queueName, raw)
		return nil
	})
	return err
}

// Recover returns jobs left in the processing list by a previous run to the queue.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processingName, q.queueName, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover jobs: %w", err)
		}
		moved++
	}
}

func (q *RedisQueue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueName).Result()
}

// Consume pops jobs until ctx is done. It must be called at most once.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	q.started.Store(true)
	defer close(q.done)

	for {
		if ctx.Err() != nil {
			q.wg.Wait()
			return nil
		}

		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			q.wg.Wait()
			return nil
		}

		job, raw, err := q.Pop(ctx, q.pollTimeout)
		if err != nil {
			<-q.sem
			switch {
			case errors.Is(err, ErrTimeout):
				continue
			case ctx.Err() != nil:
				q.wg.Wait()
				return nil
			case errors.Is(err, ErrInvalidJob):
				q.logger.Error("Dropping malformed job", zap.String("body", raw), zap.Error(err))
				_ = q.Ack(context.WithoutCancel(ctx), raw)
				continue
			default:
				q.logger.Error("Failed to pop job", zap.Error(err))
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
				}
				continue
			}
		}

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer func() { <-q.sem }()
			q.handle(ctx, handler, job, raw)
		}()
	}
}

func (q *RedisQueue) handle(ctx context.Context, handler Handler, job *Job, raw string) {
	// ack/requeue must reach redis even after shutdown began
	bg := context.WithoutCancel(ctx)

	if err := handler(ctx, job); err != nil {
		q.logger.Warn("Job failed, requeueing",
			zap.String("job_id", job.ID),
			zap.Int64("monitor_id", job.MonitorID),
			zap.Error(err),
		)
		if err := q.Requeue(bg, raw); err != nil {
			q.logger.Error("Failed to requeue job", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	if err := q.Ack(bg, raw); err != nil {
		q.logger.Error("Failed to ack job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Shutdown waits for Consume to return after its context was cancelled.
func (q *RedisQueue) Shutdown(ctx context.Context) error {
	if !q.started.Load() {
		return nil
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
