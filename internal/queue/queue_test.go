package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDecodeJob(t *testing.T) {
	job, err := DecodeJob([]byte(`{"monitorId": 42}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), job.MonitorID)
	assert.Empty(t, job.ID)

	_, err = DecodeJob([]byte(`{"id":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = DecodeJob([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func newTestQueue(t *testing.T, concurrency int) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "monitor_checks", concurrency, zap.NewNop()), mr
}

func TestRedisQueueReliableDelivery(t *testing.T) {
	q, mr := newTestQueue(t, 1)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, NewJob(1)))
	require.NoError(t, q.Push(ctx, NewJob(2)))

	job, raw, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), job.MonitorID, "oldest job first")

	processing, err := mr.List("monitor_checks:processing")
	require.NoError(t, err)
	assert.Equal(t, []string{raw}, processing)

	require.NoError(t, q.Ack(ctx, raw))
	assert.False(t, mr.Exists("monitor_checks:processing"))

	_, raw, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Requeue(ctx, raw))
	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, _, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	_, _, err = q.Pop(ctx, time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRedisQueueRecover(t *testing.T) {
	q, mr := newTestQueue(t, 1)
	ctx := context.Background()

	mr.Lpush("monitor_checks:processing", `{"monitorId":7}`)
	mr.Lpush("monitor_checks:processing", `{"monitorId":8}`)

	moved, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedisQueueConsume(t *testing.T) {
	q, mr := newTestQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for id := int64(1); id <= 5; id++ {
		require.NoError(t, q.Push(ctx, NewJob(id)))
	}
	mr.Lpush("monitor_checks", `garbage`)

	var (
		mu       sync.Mutex
		seen     []int64
		inFlight atomic.Int32
		peak     atomic.Int32
		failOnce atomic.Bool
	)
	handler := func(_ context.Context, job *Job) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)

		if job.MonitorID == 3 && failOnce.CompareAndSwap(false, true) {
			return errors.New("database unavailable")
		}
		mu.Lock()
		seen = append(seen, job.MonitorID)
		mu.Unlock()
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- q.Consume(ctx, handler) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5}, seen)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.False(t, mr.Exists("monitor_checks"))
	assert.False(t, mr.Exists("monitor_checks:processing"))
}

type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcknowledger) Ack(uint64, bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked, f.requeue = true, requeue
	return nil
}

func (f *fakeAcknowledger) Reject(uint64, bool) error { return nil }

func TestRabbitConsumerAcknowledgement(t *testing.T) {
	c := &RabbitConsumer{logger: zap.NewNop()}
	failing := func(context.Context, *Job) error { return errors.New("boom") }
	passing := func(context.Context, *Job) error { return nil }

	tests := []struct {
		name        string
		body        string
		redelivered bool
		handler     Handler
		want        fakeAcknowledger
	}{
		{"success", `{"monitorId":1}`, false, passing, fakeAcknowledger{acked: true}},
		{"first failure requeues", `{"monitorId":1}`, false, failing, fakeAcknowledger{nacked: true, requeue: true}},
		{"redelivered failure drops", `{"monitorId":1}`, true, failing, fakeAcknowledger{nacked: true}},
		{"malformed drops", `{}`, false, passing, fakeAcknowledger{nacked: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			c.handle(context.Background(), tt.handler, amqp.Delivery{
				Acknowledger: ack,
				DeliveryTag:  1,
				Redelivered:  tt.redelivered,
				Body:         []byte(tt.body),
			})
			assert.Equal(t, tt.want, *ack)
		})
	}
}

func TestRabbitConsumerShutdownWaitsForBufferedDeliveries(t *testing.T) {
	c := &RabbitConsumer{
		sem:    make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: zap.NewNop(),
	}
	c.started.Store(true)

	// deliveries already buffered when the consumer was cancelled
	msgs := make(chan amqp.Delivery, 3)
	acks := make([]*fakeAcknowledger, 3)
	for i := range acks {
		acks[i] = &fakeAcknowledger{}
		msgs <- amqp.Delivery{Acknowledger: acks[i], DeliveryTag: uint64(i + 1), Body: []byte(`{"monitorId":1}`)}
	}
	close(msgs)

	release := make(chan struct{})
	var handled atomic.Int32
	handler := func(context.Context, *Job) error {
		<-release
		handled.Add(1)
		return nil
	}

	go c.drain(context.Background(), msgs, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, c.wait(context.Background()))
	assert.Equal(t, int32(3), handled.Load())
	for _, ack := range acks {
		assert.True(t, ack.acked)
	}
}

func TestRedisQueueShutdownWaitsForConsume(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	require.NoError(t, q.Shutdown(context.Background()), "never started")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Push(ctx, NewJob(1)))

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	handler := func(context.Context, *Job) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	}

	go func() { _ = q.Consume(ctx, handler) }()
	<-started
	cancel()

	short, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()
	assert.ErrorIs(t, q.Shutdown(short), context.DeadlineExceeded)

	close(release)
	require.NoError(t, q.Shutdown(context.Background()))
	assert.True(t, finished.Load())
}
