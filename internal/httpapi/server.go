// Package httpapi provides the HTTP admin and status surface for workspaced.
//
// This package implements a graceful HTTP server with Echo router, health
// and metrics endpoints, and context-aware shutdown.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workspaced/internal/config"
	"github.com/fyrsmithlabs/workspaced/internal/dispatch"
	"github.com/fyrsmithlabs/workspaced/internal/logging"
	"github.com/fyrsmithlabs/workspaced/internal/store"
	"github.com/fyrsmithlabs/workspaced/internal/workspace"
)

// Server represents the HTTP server.
type Server struct {
	cfg        config.ServerConfig
	dispatcher *dispatch.Dispatcher
	logger     *logging.Logger
	echo       *echo.Echo
}

// HealthResponse is the JSON response for the /health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// NewServer creates the HTTP server with routes registered.
func NewServer(cfg config.ServerConfig, d *dispatch.Dispatcher, logger *logging.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("dispatcher is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		logger:     logger,
		echo:       e,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/workspaces", s.handleCreateWorkspace)
	v1.GET("/workspaces", s.handleListWorkspaces)
	v1.GET("/workspaces/:id/status", s.handleWorkspaceStatus)
	v1.POST("/workspaces/:id/reset", s.handleResetWorkspace)
	v1.POST("/workspaces/:id/deliverables", s.handleForceDeliverable)
	v1.POST("/goals/:id/reset", s.handleResetGoal)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "workspaced",
	})
}

// CreateWorkspaceRequest provisions a workspace with optional goals.
type CreateWorkspaceRequest struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Goals    []struct {
		MetricType  string  `json:"metric_type"`
		TargetValue float64 `json:"target_value"`
	} `json:"goals"`
}

// CreateWorkspaceResponse reports the provisioned workspace.
type CreateWorkspaceResponse struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

func (s *Server) handleCreateWorkspace(c echo.Context) error {
	var req CreateWorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TenantID == "" || req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id and name are required")
	}

	goals := make([]store.Goal, 0, len(req.Goals))
	for _, g := range req.Goals {
		if g.TargetValue <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "goal target_value must be positive")
		}
		goals = append(goals, store.Goal{
			MetricType:  g.MetricType,
			TargetValue: g.TargetValue,
		})
	}

	ws, err := s.dispatcher.CreateWorkspace(c.Request().Context(), req.TenantID, req.Name, goals)
	if err != nil {
		s.logger.Error(c.Request().Context(), "create workspace failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create workspace")
	}
	return c.JSON(http.StatusCreated, CreateWorkspaceResponse{
		ID:       ws.ID,
		TenantID: ws.TenantID,
		Name:     ws.Name,
		Status:   ws.Status,
	})
}

// WorkspaceSummary is one row in the tenant workspace listing.
type WorkspaceSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (s *Server) handleListWorkspaces(c echo.Context) error {
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id query parameter is required")
	}

	workspaces, err := s.dispatcher.ListWorkspaces(c.Request().Context(), tenantID)
	if err != nil {
		s.logger.Error(c.Request().Context(), "list workspaces failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list workspaces")
	}

	out := make([]WorkspaceSummary, 0, len(workspaces))
	for _, ws := range workspaces {
		out = append(out, WorkspaceSummary{ID: ws.ID, Name: ws.Name, Status: ws.Status})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleWorkspaceStatus(c echo.Context) error {
	status, err := s.dispatcher.Status(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workspace not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load status")
	}
	return c.JSON(http.StatusOK, status)
}

// AdminRequest carries the audit fields for administrative operations.
type AdminRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
	GoalID string `json:"goal_id,omitempty"`
	Title  string `json:"title,omitempty"`
}

func (s *Server) handleForceDeliverable(c echo.Context) error {
	var req AdminRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor is required")
	}
	title := req.Title
	if title == "" {
		title = "Manually requested deliverable"
	}

	decision, err := s.dispatcher.ForceDeliverable(c.Request().Context(), c.Param("id"), req.GoalID, title, req.Actor)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workspace or goal not found")
	}
	if err != nil {
		s.logger.Error(c.Request().Context(), "force deliverable failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create deliverable")
	}
	if !decision.Created {
		// The guard said no. Conflict, not failure.
		return c.JSON(http.StatusConflict, decision)
	}
	return c.JSON(http.StatusCreated, decision)
}

func (s *Server) handleResetGoal(c echo.Context) error {
	var req AdminRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Actor == "" || req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor and reason are required")
	}

	snap, err := s.dispatcher.ResetGoal(c.Request().Context(), c.Param("id"), req.Actor, req.Reason)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "goal not found")
	}
	if err != nil {
		s.logger.Error(c.Request().Context(), "reset goal failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to reset goal")
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleResetWorkspace(c echo.Context) error {
	var req AdminRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor is required")
	}

	ws, err := s.dispatcher.ResetWorkspace(c.Request().Context(), c.Param("id"), req.Actor, req.Reason)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workspace not found")
	}
	if errors.Is(err, workspace.ErrInvalidTransition) {
		return c.JSON(http.StatusConflict, map[string]string{
			"error":  "workspace is not in error state",
			"status": ws.Status,
		})
	}
	if err != nil {
		s.logger.Error(c.Request().Context(), "reset workspace failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to reset workspace")
	}
	return c.JSON(http.StatusOK, ws)
}

// Start starts the HTTP server and blocks until the context is canceled.
// Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			s.cfg.ShutdownTimeout.Duration(),
		)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for registering additional
// routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
