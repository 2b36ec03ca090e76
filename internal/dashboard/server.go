// Package dashboard exposes run inspection and control-plane routes
// over HTTP: audit logs, checkpoints, metrics, endpoint health, and
// policy reload.
package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/endpoint"
	"github.com/fyrsmithlabs/agentd/internal/policy"
	"github.com/fyrsmithlabs/agentd/internal/state"
)

// defaultEventLimit bounds a log read when the request does not.
const defaultEventLimit = 200

// Server serves the observability and control-plane API for one
// agentd process.
type Server struct {
	echo      *echo.Echo
	cfg       config.DashboardConfig
	stateRoot string
	policies  *policy.Store
	endpoints *endpoint.Manager
	logger    *zap.Logger
}

// NewServer builds the dashboard server. The endpoint manager may be
// nil when no run is active; endpoint routes then report empty.
func NewServer(cfg config.DashboardConfig, stateRoot string, policies *policy.Store, endpoints *endpoint.Manager, logger *zap.Logger) (*Server, error) {
	if policies == nil {
		return nil, fmt.Errorf("policy store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
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
		echo:      e,
		cfg:       cfg,
		stateRoot: stateRoot,
		policies:  policies,
		endpoints: endpoints,
		logger:    logger.Named("dashboard"),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/runs", s.handleRuns)
	s.echo.GET("/logs/:run_id", s.handleLogs)
	s.echo.GET("/metrics/:run_id", s.handleMetrics)
	s.echo.GET("/checkpoints/:run_id", s.handleCheckpoints)
	s.echo.GET("/mcp", s.handleEndpoints)
	s.echo.GET("/policies", s.handlePolicies)
	s.echo.POST("/policies/reload", s.handlePolicyReload)
	s.echo.GET("/prometheus", echo.WrapHandler(promhttp.Handler()))
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleRuns(c echo.Context) error {
	runs, err := state.ListRuns(s.stateRoot)
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list runs")
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleLogs(c echo.Context) error {
	runID := c.Param("run_id")
	limit := defaultEventLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = parsed
	}

	events, err := state.ReadEvents(s.stateRoot, runID, limit)
	if err != nil {
		s.logger.Warn("failed to read events",
			zap.String("run_id", runID), zap.Error(err))
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, map[string]any{"run_id": runID, "events": events})
}

func (s *Server) handleMetrics(c echo.Context) error {
	runID := c.Param("run_id")
	metrics, err := state.ReadRunMetrics(s.stateRoot, runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, metrics)
}

func (s *Server) handleCheckpoints(c echo.Context) error {
	runID := c.Param("run_id")
	checkpoints, err := state.ReadCheckpoints(s.stateRoot, runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, map[string]any{"run_id": runID, "checkpoints": checkpoints})
}

func (s *Server) handleEndpoints(c echo.Context) error {
	if s.endpoints == nil {
		return c.JSON(http.StatusOK, map[string]any{"endpoints": []endpoint.Health{}})
	}
	report := s.endpoints.HealthReport(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{"endpoints": report})
}

func (s *Server) handlePolicies(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"allowed_commands": s.policies.AllowedCommands(),
		"network": map[string]any{
			"allow_network": s.policies.AllowNetwork(),
			"allowed_hosts": s.policies.AllowedHosts(),
			"blocked_hosts": s.policies.BlockedHosts(),
		},
		"paths": map[string]any{
			"allowed_globs": s.policies.AllowedGlobs(),
			"blocked_globs": s.policies.BlockedGlobs(),
		},
		"usage":     s.policies.Usage(),
		"documents": s.policies.Validate(),
	})
}

func (s *Server) handlePolicyReload(c echo.Context) error {
	if err := s.policies.Reload(); err != nil {
		s.logger.Error("policy reload failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	s.logger.Info("policies reloaded")
	return c.JSON(http.StatusOK, map[string]any{"status": "reloaded"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("starting dashboard", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down dashboard")
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
