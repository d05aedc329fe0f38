package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/leozw/uptime-engine/internal/api"
	"github.com/leozw/uptime-engine/internal/api/handlers"
	"github.com/leozw/uptime-engine/internal/checks"
	"github.com/leozw/uptime-engine/internal/config"
	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
	"github.com/leozw/uptime-engine/internal/events"
	"github.com/leozw/uptime-engine/internal/incidents"
	"github.com/leozw/uptime-engine/internal/logging"
	"github.com/leozw/uptime-engine/internal/metrics"
	"github.com/leozw/uptime-engine/internal/notify"
	"github.com/leozw/uptime-engine/internal/queue"
	"github.com/leozw/uptime-engine/internal/regional"
	"github.com/leozw/uptime-engine/internal/storage/redis"
	"github.com/leozw/uptime-engine/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Setup logger
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database connection
	database, err := db.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if cfg.Database.Migrate {
		if err := db.Migrate(database); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
	}
	repo := db.NewRepository(database)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// Redis
	cache := redis.NewClient(cfg.Redis.URL)
	defer cache.Close()

	// Event sinks
	recorder := events.NewRecorder(repo, logger, collector)
	if cfg.Mimir.URL != "" {
		writer := metrics.NewRemoteWriter(cfg.Mimir, reg, logger)
		recorder.AddSink("mimir", writer)
		go writer.Start(ctx)
	}

	// Broker
	var conn *amqp.Connection
	if cfg.Queue.Driver == "rabbitmq" || cfg.Notifications.Driver == "broker" {
		conn, err = queue.NewConnection(cfg.Queue.URL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer conn.Close()
	}

	notifier, err := newNotifier(cfg, conn, logger)
	if err != nil {
		logger.Fatal("Failed to set up notifications", zap.Error(err))
	}

	consumer, err := newConsumer(ctx, cfg, conn, cache, logger)
	if err != nil {
		logger.Fatal("Failed to set up job consumer", zap.Error(err))
	}

	// Regional dispatch
	var registry regional.Registry = repo
	if cfg.Regional.Registry == "config" {
		registry = regional.NewStaticRegistry(cfg.Regions)
	} else {
		prober := regional.NewHealthProber(repo, cfg.Regional.HealthInterval, logger)
		go prober.Run(ctx)
	}
	agents := regional.NewAgentClient(cfg.Agent.SharedSecret, cfg.Regional.AgentRateLimit)
	coordinator := regional.NewCoordinator(registry, agents, cfg.Regional.AgentTimeout, logger, collector)

	processor := worker.NewProcessor(worker.Dependencies{
		Monitors:  redis.NewMonitorCache(cache, repo, cfg.Redis.MonitorCacheTTL, logger),
		Status:    repo,
		Events:    recorder,
		Incidents: incidents.NewService(repo, notifier, logger, collector),
		Runner:    checks.NewRegistry(cfg.Executor),
		Regional:  coordinator,
		Dedupe:    redis.NewDeduper(cache, cfg.Redis.DedupeTTL),
		Locks:     redis.NewLocker(cache, cfg.Redis.LockTTL, cfg.Redis.LockWait),
	}, logger, collector)
	pool := worker.NewPool(consumer, processor, cfg.Worker, logger, collector)

	// Health and metrics server
	h := handlers.NewHandler(nil, core.RegionLocal, logger, collector)
	h.AddDependency("database", repo)
	h.AddDependency("redis", handlers.PingFunc(func(ctx context.Context) error {
		return cache.Ping(ctx).Err()
	}))
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: api.NewRouter(h, api.Options{Mode: cfg.Server.Mode, Gatherer: reg, Logger: logger}),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health server failed", zap.Error(err))
		}
	}()

	poolDone := make(chan error, 1)
	go func() {
		poolDone <- pool.Run(ctx)
	}()

	logger.Info("Worker started",
		zap.String("queue_driver", cfg.Queue.Driver),
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.String("port", cfg.Server.Port),
	)

	select {
	case <-ctx.Done():
	case err := <-poolDone:
		logger.Error("Job consumer stopped", zap.Error(err))
		stop()
	}

	logger.Info("Shutting down worker...")
	if err := pool.Shutdown(context.Background()); err != nil {
		logger.Warn("In-flight jobs abandoned", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Health server forced to shutdown", zap.Error(err))
	}

	logger.Info("Worker exited")
}

func newNotifier(cfg *config.Config, conn *amqp.Connection, logger *zap.Logger) (notify.Dispatcher, error) {
	if cfg.Notifications.Driver != "broker" {
		return notify.NewLogDispatcher(logger), nil
	}

	if err := queue.DeclareExchange(conn, cfg.Notifications.Exchange, "topic"); err != nil {
		return nil, err
	}
	publisher, err := queue.NewPublisher(conn)
	if err != nil {
		return nil, err
	}
	return notify.NewBrokerDispatcher(publisher, cfg.Notifications.Exchange, cfg.Notifications.RoutingKey), nil
}

func newConsumer(ctx context.Context, cfg *config.Config, conn *amqp.Connection, cache *redis.Client, logger *zap.Logger) (queue.Consumer, error) {
	if cfg.Queue.Driver == "redis" {
		q := queue.NewRedisQueue(cache.Client, cfg.Queue.RedisKey, cfg.Worker.Concurrency, logger)
		// jobs left in processing by a previous crash go back to the queue
		recovered, err := q.Recover(ctx)
		if err != nil {
			return nil, err
		}
		if recovered > 0 {
			logger.Info("Recovered unfinished jobs", zap.Int("count", recovered))
		}
		return q, nil
	}

	if err := queue.SetupTopology(conn, cfg.Queue); err != nil {
		return nil, err
	}
	return queue.NewRabbitConsumer(conn, cfg.Queue.Name, cfg.Worker.Concurrency, logger)
}
