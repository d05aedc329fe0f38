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
	"go.uber.org/zap"

	"github.com/leozw/uptime-engine/internal/api"
	"github.com/leozw/uptime-engine/internal/api/handlers"
	"github.com/leozw/uptime-engine/internal/checks"
	"github.com/leozw/uptime-engine/internal/config"
	"github.com/leozw/uptime-engine/internal/logging"
	"github.com/leozw/uptime-engine/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("region", cfg.Agent.Region))

	if cfg.Agent.SharedSecret == "" {
		logger.Warn("AGENT_SHARED_SECRET not set, check endpoint is unauthenticated")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	h := handlers.NewHandler(checks.NewRegistry(cfg.Executor), cfg.Agent.Region, logger, collector)
	router := api.NewRouter(h, api.Options{
		Mode:     cfg.Server.Mode,
		Gatherer: reg,
		Logger:   logger,
		Agent:    true,
		Region:   cfg.Agent.Region,
		Secret:   cfg.Agent.SharedSecret,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Agent started", zap.String("port", cfg.Server.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("Shutting down agent...")

	// checks in flight may run up to their own timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Executor.DefaultTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Agent forced to shutdown", zap.Error(err))
	}

	logger.Info("Agent exited")
}
