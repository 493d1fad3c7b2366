// Package server exposes the fetcher's operational HTTP surface: liveness and
// readiness probes, Prometheus metrics, a JSON metrics snapshot, threshold
// alerts and, when a dashboard is attached, live progress.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/johnayoung/go-marketdata-fetcher/internal/alerts"
	"github.com/johnayoung/go-marketdata-fetcher/internal/metrics"
)

const (
	defaultAddr        = "127.0.0.1:9108"
	defaultMetricsPath = "/metrics"
	requestIDHeader    = "X-Request-ID"
)

// ReadinessCheck reports whether the process can serve fetches.
type ReadinessCheck func(ctx context.Context) error

// ProgressSource returns the current progress state for the /progress route.
type ProgressSource func() any

// AlertSource backs the /alerts routes.
type AlertSource interface {
	Active() []alerts.Alert
	History(since time.Time) []alerts.Alert
	Resolve(name string) bool
}

// Config describes the server's dependencies. Nil fields disable their routes.
type Config struct {
	Addr        string
	MetricsPath string
	Metrics     *metrics.MetricsCollector
	Ready       ReadinessCheck
	Progress    ProgressSource
	Alerts      AlertSource
	Logger      *slog.Logger
}

// Server serves the router on a listener that is bound eagerly by Listen, so
// address errors surface before any fetch starts.
type Server struct {
	addr     string
	router   *gin.Engine
	srv      *http.Server
	logger   *slog.Logger
	mu       sync.Mutex
	listener net.Listener
}

// New builds a server for cfg.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "server")
	router := NewRouter(cfg)

	return &Server{
		addr:   cfg.Addr,
		router: router,
		logger: logger,
		srv: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// NewRouter registers the routes enabled by cfg on a fresh gin engine.
func NewRouter(cfg Config) *gin.Engine {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestID(), requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		if cfg.Ready != nil {
			if err := cfg.Ready(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = defaultMetricsPath
		}
		handler := promhttp.HandlerFor(cfg.Metrics.Registry(), promhttp.HandlerOpts{
			Registry: cfg.Metrics.Registry(),
		})
		router.GET(path, gin.WrapH(handler))
		router.GET("/debug/metrics", func(c *gin.Context) {
			c.JSON(http.StatusOK, cfg.Metrics.GetSnapshot())
		})
	}

	if cfg.Progress != nil {
		router.GET("/progress", func(c *gin.Context) {
			c.JSON(http.StatusOK, cfg.Progress())
		})
	}

	if cfg.Alerts != nil {
		registerAlerts(router, cfg.Alerts)
	}
	return router
}

func registerAlerts(router *gin.Engine, src AlertSource) {
	router.GET("/alerts", func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Active())
	})
	router.GET("/alerts/history", func(c *gin.Context) {
		var since time.Time
		if v := c.Query("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC 3339 time"})
				return
			}
			since = t
		}
		c.JSON(http.StatusOK, src.History(since))
	})
	router.POST("/alerts/:name/resolve", func(c *gin.Context) {
		name := c.Param("name")
		if !src.Resolve(name) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no active alert %q", name)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "resolved", "name": name})
	})
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Serve blocks serving requests until Shutdown. It binds first if Listen was not called.
func (s *Server) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()

	s.logger.Info("http server listening", "addr", l.Addr().String())
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start binds and serves in the background until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve()
	}()
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("http server shutdown failed", "error", err)
			}
		case err := <-errCh:
			if err != nil {
				s.logger.Error("http server stopped", "error", err)
			}
		}
	}()
	return nil
}

// Shutdown gracefully stops the server and releases the listener even if
// Serve was never called.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Unlock()
	return err
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString("request_id"))
	}
}
