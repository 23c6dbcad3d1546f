// Package http serves the status endpoints of a running fixloop: health,
// the live session snapshot, Prometheus metrics, and a scrub endpoint that
// applies the same redaction used for diagnostics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/fixloop/internal/completion"
	"github.com/fyrsmithlabs/fixloop/internal/logging"
	"github.com/fyrsmithlabs/fixloop/internal/orchestrator"
	"github.com/fyrsmithlabs/fixloop/internal/secrets"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// SessionSource provides the current run state.
type SessionSource interface {
	Snapshot() orchestrator.SessionSnapshot
}

// UsageSource provides backend consumption totals.
type UsageSource interface {
	Usage() completion.UsageStats
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	scrubber secrets.Scrubber
	session  SessionSource
	usage    UsageSource
	logger   *logging.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Meter records request metrics. Defaults to the global provider.
	Meter metric.Meter
}

// Option configures a Server.
type Option func(*Server)

// WithSession serves the run state on /api/v1/session.
func WithSession(s SessionSource) Option {
	return func(srv *Server) { srv.session = s }
}

// WithUsage adds backend usage to the session response.
func WithUsage(u UsageSource) Option {
	return func(srv *Server) { srv.usage = u }
}

// NewServer creates a new HTTP server.
func NewServer(scrubber secrets.Scrubber, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if scrubber == nil {
		return nil, fmt.Errorf("scrubber cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9464,
		}
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(newRequestMetrics(cfg.Meter, logger).middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		scrubber: scrubber,
		logger:   logger,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.config.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.config.Metrics))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/session", s.handleSession)
	v1.POST("/scrub", s.handleScrub)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.session != nil {
		snap := s.session.Snapshot()
		resp.State = snap.State
		if snap.State == orchestrator.StateAborted {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSession(c echo.Context) error {
	if s.session == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no run in progress")
	}
	snap := s.session.Snapshot()
	resp := SessionResponse{
		Session: snap,
		Counts:  CountsFromSnapshot(snap),
	}
	if s.usage != nil {
		u := s.usage.Usage()
		resp.Usage = &u
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleScrub(c echo.Context) error {
	var req ScrubRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid scrub request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	result := s.scrubber.Scrub(req.Content)

	s.logger.Debug(c.Request().Context(), "scrubbed content",
		zap.Int("findings", result.TotalFindings),
		zap.Duration("duration", result.Duration),
	)

	return c.JSON(http.StatusOK, ScrubResponse{
		Content:       result.Scrubbed,
		FindingsCount: result.TotalFindings,
		Rules:         result.RuleIDs(),
	})
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
