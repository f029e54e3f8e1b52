// Package server provides the FeedForward HTTP API: extraction run
// control, trending themes, story drafts, and operational endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedforward/internal/pipeline"
	"github.com/fyrsmithlabs/feedforward/internal/store"
	"github.com/fyrsmithlabs/feedforward/internal/story"
	"github.com/fyrsmithlabs/feedforward/internal/theme"
	"github.com/fyrsmithlabs/feedforward/internal/vectorstore"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server exposes the FeedForward API over HTTP.
type Server struct {
	echo    *echo.Echo
	manager *pipeline.Manager
	themes  *theme.Service
	stories *story.Service
	store   *store.Store
	vectors vectorstore.Store
	logger  *zap.Logger
	config  *Config
}

// NewServer creates the HTTP server. gatherer serves GET /metrics; nil
// falls back to the default Prometheus gatherer. vectors backs the
// similarity endpoint; nil disables it.
func NewServer(
	manager *pipeline.Manager,
	themes *theme.Service,
	stories *story.Service,
	st *store.Store,
	vectors vectorstore.Store,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
	cfg *Config,
) (*Server, error) {
	if manager == nil {
		return nil, fmt.Errorf("extraction manager cannot be nil")
	}
	if themes == nil || st == nil {
		return nil, fmt.Errorf("theme service and store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8090}
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
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
		manager: manager,
		themes:  themes,
		stories: stories,
		store:   st,
		vectors: vectors,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes(gatherer)

	return s, nil
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := s.echo.Group("/api")
	api.GET("/extraction", s.handleExtractionStatus)
	api.POST("/extraction", s.handleExtractionAction)
	api.GET("/themes/trending", s.handleTrendingThemes)
	api.GET("/conversations/similar", s.handleSimilarConversations)
	api.GET("/stories", s.handleListStories)
	api.POST("/stories/sync", s.handleSyncStories)
	api.GET("/runs", s.handleListRuns)
	api.GET("/checkpoints", s.handleListCheckpoints)
	api.GET("/checkpoints/:run_id", s.handleGetCheckpoint)
	api.DELETE("/checkpoints/:run_id", s.handleDeleteCheckpoint)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// ExtractionRequest is the request body for POST /api/extraction.
type ExtractionRequest struct {
	// Action is one of start, stop, or clear.
	Action string `json:"action"`

	// Resume makes start continue from the latest checkpoint instead
	// of the beginning.
	Resume bool `json:"resume"`
}

// ExtractionActionResponse is the response body for POST /api/extraction.
type ExtractionActionResponse struct {
	Status  string `json:"status"`
	Deleted int    `json:"deleted,omitempty"`
}

func (s *Server) handleExtractionStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.manager.Status(c.Request().Context()))
}

func (s *Server) handleExtractionAction(c echo.Context) error {
	var req ExtractionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	switch req.Action {
	case "start":
		if err := s.manager.Start(req.Resume); err != nil {
			if errors.Is(err, pipeline.ErrRunActive) {
				return echo.NewHTTPError(http.StatusConflict, err.Error())
			}
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusAccepted, ExtractionActionResponse{Status: "started"})

	case "stop":
		if err := s.manager.Stop(); err != nil {
			if errors.Is(err, pipeline.ErrNoActiveRun) {
				return echo.NewHTTPError(http.StatusNotFound, err.Error())
			}
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusAccepted, ExtractionActionResponse{Status: "stopping"})

	case "clear":
		deleted, err := s.manager.Clear(c.Request().Context())
		if err != nil {
			if errors.Is(err, pipeline.ErrClearWhileRunning) {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, ExtractionActionResponse{Status: "cleared", Deleted: deleted})

	default:
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("unknown action %q, expected start, stop, or clear", req.Action))
	}
}

// TrendingResponse is the response body for GET /api/themes/trending.
type TrendingResponse struct {
	Window string                `json:"window"`
	Themes []theme.TrendingTheme `json:"themes"`
}

func (s *Server) handleTrendingThemes(c echo.Context) error {
	windowParam := c.QueryParam("window")
	if windowParam == "" {
		windowParam = "7d"
	}
	window, err := theme.ParseWindow(windowParam)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
	}

	themes, err := s.themes.Trending(c.Request().Context(), window, limit)
	if err != nil {
		s.logger.Error("trending query failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to compute trending themes")
	}

	return c.JSON(http.StatusOK, TrendingResponse{Window: windowParam, Themes: themes})
}

// SimilarResponse is the response body for GET /api/conversations/similar.
type SimilarResponse struct {
	Query   string                     `json:"query"`
	Results []vectorstore.SearchResult `json:"results"`
}

func (s *Server) handleSimilarConversations(c echo.Context) error {
	if s.vectors == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "similarity search requires a vector store")
	}

	query := c.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter q is required")
	}

	k := 10
	if raw := c.QueryParam("k"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &k); err != nil || k <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "k must be a positive integer")
		}
	}

	var (
		results []vectorstore.SearchResult
		err     error
	)
	if area := c.QueryParam("area"); area != "" {
		results, err = s.vectors.SearchWithFilters(c.Request().Context(), query, k,
			map[string]interface{}{"product_area": area})
	} else {
		results, err = s.vectors.Search(c.Request().Context(), query, k)
	}
	if err != nil {
		s.logger.Error("similarity search failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "similarity search failed")
	}

	return c.JSON(http.StatusOK, SimilarResponse{Query: query, Results: results})
}

// StoriesResponse is the response body for GET /api/stories.
type StoriesResponse struct {
	Stories []store.Story `json:"stories"`
}

func (s *Server) handleListStories(c echo.Context) error {
	stories, err := s.store.ListStories(c.Request().Context())
	if err != nil {
		s.logger.Error("listing stories failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list stories")
	}
	return c.JSON(http.StatusOK, StoriesResponse{Stories: stories})
}

// SyncResponse is the response body for POST /api/stories/sync.
type SyncResponse struct {
	Synced int `json:"synced"`
}

func (s *Server) handleSyncStories(c echo.Context) error {
	if s.stories == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "story sync is not configured")
	}
	synced, err := s.stories.Sync(c.Request().Context())
	if err != nil {
		s.logger.Error("story sync failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "story sync failed")
	}
	return c.JSON(http.StatusOK, SyncResponse{Synced: synced})
}

// CheckpointsResponse is the response body for GET /api/checkpoints.
type CheckpointsResponse struct {
	Checkpoints []store.Checkpoint `json:"checkpoints"`
}

func (s *Server) handleListCheckpoints(c echo.Context) error {
	cps, err := s.store.ListCheckpoints(c.Request().Context())
	if err != nil {
		s.logger.Error("listing checkpoints failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list checkpoints")
	}
	return c.JSON(http.StatusOK, CheckpointsResponse{Checkpoints: cps})
}

func (s *Server) handleGetCheckpoint(c echo.Context) error {
	cp, err := s.store.GetCheckpoint(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load checkpoint")
	}
	return c.JSON(http.StatusOK, cp)
}

func (s *Server) handleDeleteCheckpoint(c echo.Context) error {
	if err := s.store.DeleteCheckpoint(c.Request().Context(), c.Param("run_id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete checkpoint")
	}
	return c.NoContent(http.StatusNoContent)
}

// RunsResponse is the response body for GET /api/runs.
type RunsResponse struct {
	Runs []store.Run `json:"runs"`
}

func (s *Server) handleListRuns(c echo.Context) error {
	runs, err := s.store.ListRuns(c.Request().Context(), 20)
	if err != nil {
		s.logger.Error("listing runs failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list runs")
	}
	return c.JSON(http.StatusOK, RunsResponse{Runs: runs})
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

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
