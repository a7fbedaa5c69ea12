// Package http provides the itemforge HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/itemforge/internal/events"
	"github.com/fyrsmithlabs/itemforge/internal/logging"
	"github.com/fyrsmithlabs/itemforge/internal/orchestrator"
	"github.com/fyrsmithlabs/itemforge/internal/scheduler"
)

// Runs is the admission boundary the API serves. *scheduler.Scheduler
// implements it.
type Runs interface {
	Submit(ctx context.Context, callerID string, rc scheduler.RunConfig) (string, error)
	Status(ctx context.Context, runID string) (scheduler.Run, error)
	List(ctx context.Context, callerID string, page, size int) ([]scheduler.Run, int, error)
	Approval(ctx context.Context, runID string) (*orchestrator.ApprovalRequest, error)
	Resume(ctx context.Context, runID string, resp orchestrator.ApprovalResponse) error
	Cancel(ctx context.Context, runID string) error
}

// Server provides HTTP endpoints for itemforge.
type Server struct {
	echo       *echo.Echo
	runs       Runs
	keys       *Keys
	subscriber events.Subscriber
	gatherer   prometheus.Gatherer
	metrics    *HTTPMetrics
	heartbeat  time.Duration
	logger     *zap.Logger
	config     *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithSubscriber enables GET /api/v1/runs/:id/events.
func WithSubscriber(sub events.Subscriber) Option {
	return func(s *Server) { s.subscriber = sub }
}

// WithGatherer sets the registry served on /metrics. The default is the
// global Prometheus registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHTTPMetrics records request metrics.
func WithHTTPMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHeartbeat sets the SSE heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// NewServer creates a new HTTP server.
func NewServer(runs Runs, keys *Keys, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if runs == nil {
		return nil, fmt.Errorf("runs cannot be nil")
	}
	if keys == nil {
		return nil, fmt.Errorf("keys cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	s := &Server{
		runs:      runs,
		keys:      keys,
		gatherer:  prometheus.DefaultGatherer,
		heartbeat: 30 * time.Second,
		logger:    logger,
		config:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if keys.Dev() {
		logger.Warn("no API keys configured, accepting the development key", zap.String("caller_id", DevCaller))
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if s.metrics != nil {
		e.Use(s.metrics.Middleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), reqID)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
			return nil
		}
	})

	s.echo = e
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1", authMiddleware(s.keys))
	v1.POST("/runs", s.handleSubmit)
	v1.GET("/runs", s.handleList)
	v1.GET("/runs/:id", s.handleStatus)
	v1.DELETE("/runs/:id", s.handleCancel)
	v1.GET("/runs/:id/approval", s.handleApproval)
	v1.POST("/runs/:id/feedback", s.handleFeedback)
	v1.GET("/runs/:id/events", s.handleEvents)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id, err := s.runs.Submit(c.Request().Context(), callerID(c), req.RunConfig())
	if err != nil {
		return s.runError(c, err)
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{RunID: id, Status: scheduler.StatusQueued})
}

func (s *Server) handleList(c echo.Context) error {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		return err
	}
	size, err := queryInt(c, "page_size", 20)
	if err != nil {
		return err
	}
	size = min(size, 100)

	runs, total, err := s.runs.List(c.Request().Context(), callerID(c), page, size)
	if err != nil {
		return s.runError(c, err)
	}
	if runs == nil {
		runs = []scheduler.Run{}
	}
	return c.JSON(http.StatusOK, ListResponse{Runs: runs, Total: total, Page: page, PageSize: size})
}

func (s *Server) handleStatus(c echo.Context) error {
	run, err := s.ownedRun(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleCancel(c echo.Context) error {
	run, err := s.ownedRun(c)
	if err != nil {
		return err
	}
	if err := s.runs.Cancel(c.Request().Context(), run.ID); err != nil {
		return s.runError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleApproval(c echo.Context) error {
	run, err := s.ownedRun(c)
	if err != nil {
		return err
	}
	req, err := s.runs.Approval(c.Request().Context(), run.ID)
	if err != nil {
		return s.runError(c, err)
	}
	return c.JSON(http.StatusOK, req)
}

func (s *Server) handleFeedback(c echo.Context) error {
	run, err := s.ownedRun(c)
	if err != nil {
		return err
	}
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.normalize()
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.runs.Resume(c.Request().Context(), run.ID, req.Response()); err != nil {
		return s.runError(c, err)
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{RunID: run.ID, Status: scheduler.StatusQueued})
}

// ownedRun loads the run named in the path. Runs of other callers are
// reported as not found.
func (s *Server) ownedRun(c echo.Context) (scheduler.Run, error) {
	run, err := s.runs.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return scheduler.Run{}, s.runError(c, err)
	}
	if run.CallerID != callerID(c) {
		return scheduler.Run{}, echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return run, nil
}

// runError maps scheduler and dispatcher errors to status codes.
func (s *Server) runError(c echo.Context, err error) error {
	var rejected *scheduler.AdmissionRejected
	switch {
	case errors.As(err, &rejected):
		status := http.StatusTooManyRequests
		switch rejected.Reason {
		case scheduler.ReasonConcurrency:
			status = http.StatusConflict
		case scheduler.ReasonCapacity:
			status = http.StatusServiceUnavailable
		}
		resp := ErrorResponse{Error: err.Error(), Reason: rejected.Reason}
		if rejected.RetryAfter > 0 {
			resp.RetryAfter = int(math.Ceil(rejected.RetryAfter.Seconds()))
			c.Response().Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
		}
		return c.JSON(status, resp)
	case errors.Is(err, scheduler.ErrInvalidRun):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	case errors.Is(err, orchestrator.ErrNotSuspended):
		return echo.NewHTTPError(http.StatusConflict, "run is not waiting for feedback")
	case errors.Is(err, scheduler.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	default:
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a positive integer")
	}
	return n, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
