package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tidalsched/pkg/api/middleware"
	"tidalsched/pkg/auth"
	"tidalsched/pkg/models"
	tracing "tidalsched/pkg/observability"
	"tidalsched/pkg/scheduler"
)

// Scheduler is the view of the trigger engine the API needs.
type Scheduler interface {
	Expression() string
	Location() *time.Location
	State() scheduler.State
	Running() bool
	NextFireTimes(n int) ([]time.Time, error)
	LastRun() (models.RunSummary, bool)
	Trigger() error
}

// Server encapsulates the HTTP status API and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	log        *zap.Logger

	sched Scheduler
	tasks models.TaskList
}

// Config holds API server configuration.
type Config struct {
	Port      string
	Scheduler Scheduler
	Tasks     models.TaskList
	JWT       *auth.JWTService // nil disables authentication
	RateLimit middleware.RateLimiterConfig
	Log       *zap.Logger
	Tracer    trace.Tracer
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Noop().Tracer()
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit = middleware.DefaultRateLimiterConfig()
	}

	router := gin.New()
	limiter := middleware.NewRateLimiter(cfg.RateLimit)

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.Tracer))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(cfg.Log))
	router.Use(limiter.Middleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 16))

	s := &Server{
		router:  router,
		limiter: limiter,
		log:     cfg.Log,
		sched:   cfg.Scheduler,
		tasks:   cfg.Tasks,
	}
	s.registerRoutes(cfg.JWT)

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.log.Info("Status API listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "failed to start status API")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down status API")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(jwt *auth.JWTService) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/schedule", s.getSchedule)
		v1.GET("/tasks", s.listTasks)
		v1.GET("/runs/last", s.getLastRun)
		v1.POST("/runs", middleware.RequireRole(jwt, auth.RoleOperator), s.triggerRun)
	}
}
