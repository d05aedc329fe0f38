package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/leozw/uptime-engine/internal/config"
)

func NewConnection(url string, logger *zap.Logger) (*amqp.Connection, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	for i := 0; i < 5; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		logger.Warn("RabbitMQ connection attempt failed", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("failed to connect to rabbitmq after 5 attempts: %w", err)
}

// SetupTopology declares the check exchange and queue and binds them.
func SetupTopology(conn *amqp.Connection, cfg config.QueueConfig) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.Name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Name, err)
	}
	if err := ch.QueueBind(cfg.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Name, err)
	}
	return nil
}

// DeclareExchange declares a durable exchange, used for outbound notifications.
func DeclareExchange(conn *amqp.Connection, name, kind string) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return ch.ExchangeDeclare(name, kind, true, false, false, false, nil)
}

type RabbitConsumer struct {
	ch          *amqp.Channel
	queueName   string
	sem         chan struct{}
	wg          sync.WaitGroup
	consumerTag string
	logger      *zap.Logger

	// done is closed once Consume returned and every handler finished.
	done    chan struct{}
	started atomic.Bool
}

func NewRabbitConsumer(conn *amqp.Connection, queueName string, concurrency int, logger *zap.Logger) (*RabbitConsumer, error) {
	if conn == nil {
		return nil, errors.New("AMQP connection is nil")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	// Backpressure
	if err := ch.Qos(concurrency, 0, false); err != nil {
		ch.Close()
		return nil, err
	}

	return &RabbitConsumer{
		ch:          ch,
		queueName:   queueName,
		sem:         make(chan struct{}, concurrency),
		consumerTag: "uptime-engine-" + uuid.NewString(),
		logger:      logger,
		done:        make(chan struct{}),
	}, nil
}

// Consume runs until the channel is cancelled. It must be called at most once.
func (c *RabbitConsumer) Consume(ctx context.Context, handler Handler) error {
	c.started.Store(true)

	msgs, err := c.ch.Consume(c.queueName, c.consumerTag, false, false, false, false, nil)
	if err != nil {
		close(c.done)
		return fmt.Errorf("failed to consume %s: %w", c.queueName, err)
	}

	go func() {
		<-ctx.Done()
		_ = c.ch.Cancel(c.consumerTag, false) // stop new deliveries
	}()

	c.drain(ctx, msgs, handler)
	return nil
}

// drain handles deliveries until msgs is closed, including those buffered
// after a cancel, then waits for the handlers and closes done.
func (c *RabbitConsumer) drain(ctx context.Context, msgs <-chan amqp.Delivery, handler Handler) {
	defer close(c.done)

	for msg := range msgs {
		c.sem <- struct{}{}
		c.wg.Add(1)

		go func(m amqp.Delivery) {
			defer c.wg.Done()
			defer func() { <-c.sem }()
			c.handle(ctx, handler, m)
		}(msg)
	}

	c.wg.Wait()
}

// handle acks on success. A failed job is requeued once; a redelivered failure is dropped.
func (c *RabbitConsumer) handle(ctx context.Context, handler Handler, m amqp.Delivery) {
	job, err := DecodeJob(m.Body)
	if err != nil {
		c.logger.Error("Dropping malformed job", zap.ByteString("body", m.Body), zap.Error(err))
		_ = m.Nack(false, false)
		return
	}

	if err := handler(ctx, job); err != nil {
		c.logger.Warn("Job failed",
			zap.String("job_id", job.ID),
			zap.Int64("monitor_id", job.MonitorID),
			zap.Bool("redelivered", m.Redelivered),
			zap.Error(err),
		)
		_ = m.Nack(false, !m.Redelivered)
		return
	}

	_ = m.Ack(false)
}

func (c *RabbitConsumer) Shutdown(ctx context.Context) error {
	_ = c.ch.Cancel(c.consumerTag, false)

	err := c.wait(ctx)
	_ = c.ch.Close()
	return err
}

func (c *RabbitConsumer) wait(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publisher publishes with confirms. Safe for concurrent use.
type Publisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	confirms <-chan amqp.Confirmation
	timeout  time.Duration
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("AMQP connection is nil")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, err
	}

	return &Publisher{
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 16)),
		timeout:  5 * time.Second,
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq := p.ch.GetNextPublishSeqNo()
	err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return err
	}

	timeout := time.After(p.timeout)
	for {
		select {
		case confirm := <-p.confirms:
			if confirm.DeliveryTag < seq {
				continue // late confirm of an abandoned publish
			}
			if !confirm.Ack {
				return errors.New("publish was not confirmed by the broker")
			}
			return nil
		case <-timeout:
			return errors.New("publish confirm timeout")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
