package opsserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"msgingest/internal/config"
	"msgingest/internal/logger"
	"msgingest/pkg/health"
	"msgingest/pkg/middleware"
	"msgingest/pkg/ratelimit"
	"msgingest/pkg/tracing"
)

// Server exposes GET /health and GET /metrics for the ingestion service.
type Server struct {
	cfg    config.ServerConfig
	logger logger.Logger
	router *gin.Engine
	server *http.Server
}

type Options struct {
	ServiceName    string
	TracingEnabled bool
}

// New builds the router. ctx bounds the rate limiter's background cleanup.
func New(ctx context.Context, cfg config.ServerConfig, registry *health.CheckerRegistry, opts Options, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if opts.TracingEnabled {
		router.Use(tracing.GinMiddleware(opts.ServiceName))
	}

	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.LoggerMiddleware(log))
	router.Use(middleware.RequestIDMiddleware())

	if cfg.RateLimit.RPS > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RPS = cfg.RateLimit.RPS
		rl.Burst = cfg.RateLimit.Burst
		router.Use(ratelimit.RateLimitMiddleware(ctx, rl))
		log.InfowCtx(ctx, "Ops rate limiting enabled", "rps", rl.RPS, "burst", rl.Burst)
	}

	router.GET("/health", func(c *gin.Context) {
		h := registry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Server{
		cfg:    cfg,
		logger: log,
		router: router,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks until the server stops. A shutdown is not an error.
func (s *Server) Start(ctx context.Context) error {
	s.logger.InfowCtx(ctx, "Ops server listening", "port", s.cfg.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server error: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
