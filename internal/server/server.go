// Package server provides the HTTP API for recalld.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/capture"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// Server exposes the capture pipeline over HTTP.
type Server struct {
	echo    *echo.Echo
	service *capture.Service
	logger  *zap.Logger
	port    int
}

// NewServer creates the HTTP server and registers routes.
func NewServer(service *capture.Service, port int, logger *zap.Logger) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("capture service is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if port == 0 {
		port = 9821
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
		echo:    e,
		service: service,
		logger:  logger.Named("http"),
		port:    port,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/interactions", s.handleSubmit)
	v1.PUT("/entities/:id", s.handleIndexEntity)
	v1.POST("/search", s.handleSearch)
	v1.GET("/stats", s.handleStats)
	v1.POST("/drain", s.handleDrain)
}

// SubmitRequest is the request body for POST /api/v1/interactions.
type SubmitRequest struct {
	SessionID    string   `json:"session_id"`
	UserText     string   `json:"user_prompt"`
	ResponseText string   `json:"assistant_response"`
	ToolsUsed    []string `json:"tools_used,omitempty"`
}

// SearchRequest is the request body for POST /api/v1/search. Exactly one
// of Query or EntityID selects the search mode.
type SearchRequest struct {
	Query     string  `json:"query,omitempty"`
	EntityID  string  `json:"entity_id,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	Threshold float32 `json:"threshold,omitempty"`
}

// SearchResponse is the response body for POST /api/v1/search.
type SearchResponse struct {
	Results []vectorstore.SearchResult `json:"results"`
	Backend string                     `json:"backend"`
}

// DrainResponse is the response body for POST /api/v1/drain.
type DrainResponse struct {
	Drained int `json:"drained"`
}

func (s *Server) handleHealth(c echo.Context) error {
	h := s.service.CheckHealth(c.Request().Context())
	status := http.StatusOK
	if !h.Ledger {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, h)
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid interaction request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.service.Submit(c.Request().Context(), capture.Interaction{
		SessionID:    req.SessionID,
		UserText:     req.UserText,
		ResponseText: req.ResponseText,
		ToolsUsed:    req.ToolsUsed,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("submission failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "submission failed")
	}

	status := http.StatusCreated
	if !result.Accepted {
		status = http.StatusOK
	}
	return c.JSON(status, result)
}

// handleIndexEntity embeds a structured entity and upserts it into the
// similarity index. Re-indexing the same id replaces the stored vector.
func (s *Server) handleIndexEntity(c echo.Context) error {
	var meta embeddings.EntityMeta
	if err := c.Bind(&meta); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err := s.service.IndexEntity(c.Request().Context(), c.Param("id"), meta)
	if errors.Is(err, embeddings.ErrEmptyInput) {
		return echo.NewHTTPError(http.StatusBadRequest, "entity has no embeddable fields")
	}
	if err != nil {
		s.logger.Error("entity indexing failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "entity indexing failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if (req.Query == "") == (req.EntityID == "") {
		return echo.NewHTTPError(http.StatusBadRequest, "exactly one of query or entity_id is required")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	ctx := c.Request().Context()
	backend := "local"

	var (
		results []vectorstore.SearchResult
		err     error
	)
	if req.Query != "" {
		results, err = s.service.SearchText(ctx, req.Query, req.Limit, req.Threshold)
	} else {
		results, err = s.service.SearchEntity(ctx, req.EntityID, req.Limit)
	}
	if errors.Is(err, vectorstore.ErrEntityNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "entity not found")
	}
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}

	if h := s.service.CheckHealth(ctx); h.SearchBackend != "" {
		backend = h.SearchBackend
	}
	if results == nil {
		results = []vectorstore.SearchResult{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: results, Backend: backend})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.service.Stats(c.Request().Context())
	if err != nil {
		s.logger.Error("stats query failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "stats query failed")
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleDrain(c echo.Context) error {
	drained, err := s.service.Drain(c.Request().Context())
	if err != nil {
		s.logger.Error("drain failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "drain failed")
	}
	return c.JSON(http.StatusOK, DrainResponse{Drained: drained})
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
