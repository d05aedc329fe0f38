package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leozw/uptime-engine/internal/api/handlers"
	"github.com/leozw/uptime-engine/internal/api/middleware"
	"github.com/leozw/uptime-engine/internal/regional"
)

type Options struct {
	Mode     string
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger

	// Agent mounts the check endpoint for Region, guarded by Secret.
	Agent  bool
	Region string
	Secret string
}

func NewRouter(h *handlers.Handler, opts Options) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(opts.Logger))

	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	if opts.Agent {
		agent := router.Group("/")
		agent.Use(middleware.AgentAuth(opts.Secret, regional.TokenIssuer))
		agent.Use(middleware.Region(opts.Region))
		agent.POST(regional.CheckPath, h.RunCheck)
	}

	return router
}
