// Package server exposes the kernel's read-only HTTP surface: health and
// Prometheus endpoints, per-family observability queries, and a websocket
// stream of composite snapshots. The server owns no state; every handler
// delegates to the aggregator and its sources.
package server

import (
	"bytes"
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgeops/foreman/internal/log"
	"github.com/forgeops/foreman/internal/metrics"
	"github.com/forgeops/foreman/internal/observe"
	"github.com/forgeops/foreman/internal/wip"
)

// Config holds server configuration.
type Config struct {
	// Address is the listen address, e.g. ":8080".
	Address string

	// ShutdownTimeout bounds connection draining during shutdown.
	ShutdownTimeout time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// StreamInterval is the websocket snapshot push cadence.
	StreamInterval time.Duration
}

// WIPSource yields the controller's current admission status.
type WIPSource interface {
	Status() (wip.Status, error)
}

// Server is the read-only HTTP surface.
type Server struct {
	httpServer      *http.Server
	engine          *gin.Engine
	aggregator      *observe.Aggregator
	wip             WIPSource
	metrics         *metrics.Metrics
	logger          *log.Logger
	streamInterval  time.Duration
	shutdownTimeout time.Duration
	inShutdown      atomic.Bool
}

// New creates the server around an aggregator. wipSource and m may be nil;
// the matching surfaces degrade to empty responses.
func New(aggregator *observe.Aggregator, wipSource WIPSource, m *metrics.Metrics, cfg Config, logger *log.Logger) *Server {
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.StreamInterval == 0 {
		cfg.StreamInterval = 5 * time.Second
	}
	if logger == nil {
		logger = log.L()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:          engine,
		aggregator:      aggregator,
		wip:             wipSource,
		metrics:         m,
		logger:          logger.WithComponent("server"),
		streamInterval:  cfg.StreamInterval,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	s.routes()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api/v1/observability")
	api.GET("/snapshot", s.handleSnapshot)
	api.GET("/tasks", s.handleTasks)
	api.GET("/quality", s.handleQuality)
	api.GET("/resolution", s.handleResolution)
	api.GET("/resources", s.handleResources)
	api.GET("/wip", s.handleWIP)
	api.GET("/export/:family", s.handleExport)

	s.engine.GET("/ws/stream", s.handleStream)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains connections, bounded by the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.httpServer.SetKeepAlivesEnabled(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// IsShuttingDown reports whether Shutdown has begun.
func (s *Server) IsShuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.inShutdown.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.aggregator.Composite())
}

func (s *Server) handleTasks(c *gin.Context) {
	m, err := s.aggregator.TaskMetrics()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleQuality(c *gin.Context) {
	m, err := s.aggregator.QualityMetrics()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleResolution(c *gin.Context) {
	m, err := s.aggregator.ResolutionMetrics()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleResources(c *gin.Context) {
	m, err := s.aggregator.ResourceSnapshot()
	if err != nil {
		s.fail(c, err)
		return
	}
	if s.metrics != nil {
		for _, p := range m.Providers {
			s.metrics.SetProviderUsage(p.Provider, p.RequestsUsed, p.TokensUsed)
		}
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleWIP(c *gin.Context) {
	if s.wip == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	status, err := s.wip.Status()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleExport buffers the whole CSV before touching the response so a
// mid-export failure yields a clean JSON error instead of a truncated file.
func (s *Server) handleExport(c *gin.Context) {
	family := c.Param("family")
	var buf bytes.Buffer
	if err := s.aggregator.ExportCSV(family, &buf); err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+family+".csv")
	c.Data(http.StatusOK, "text/csv", buf.Bytes())
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.LogError(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
