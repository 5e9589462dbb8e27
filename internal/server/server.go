// Package server exposes the HTTP control surface: health, manual trigger,
// ledger setup, status and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"orderdesk/internal/domain"
	"orderdesk/internal/metrics"
	"orderdesk/internal/pipeline"
	"orderdesk/internal/scheduler"
)

const (
	DefaultRunTimeout = 5 * time.Minute
	shutdownTimeout   = 10 * time.Second
)

// Runner is the pipeline as seen by the control surface.
type Runner interface {
	Run(ctx context.Context) (pipeline.Summary, error)
	Status() pipeline.Status
}

// ScheduleReporter reports scheduler state for GET /status.
type ScheduleReporter interface {
	Info() scheduler.Info
}

type Config struct {
	Host     string
	Port     int
	Pipeline Runner
	Ledger   domain.OrderLedger
	// Scheduler may be nil when scheduling is disabled.
	Scheduler ScheduleReporter
	// Metrics may be nil; the metrics route is then not registered.
	Metrics     *metrics.Collector
	MetricsPath string
	RunTimeout  time.Duration
	Logger      *slog.Logger
}

type Server struct {
	cfg     Config
	engine  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil || cfg.Ledger == nil {
		return nil, errors.New("server: pipeline and ledger are required")
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{cfg: cfg, logger: cfg.Logger, now: time.Now}
	s.engine = s.routes()
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/health", s.handleHealth)
	engine.POST("/process", s.handleProcess)
	engine.POST("/setup", s.handleSetup)
	engine.GET("/status", s.handleStatus)
	if s.cfg.Metrics != nil {
		engine.GET(s.cfg.MetricsPath, gin.WrapF(s.cfg.Metrics.Handler()))
	}
	return engine
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", "err", err)
		}
	}()

	s.logger.Info("control surface listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleProcess(c *gin.Context) {
	// A manual run is not abandoned when the caller disconnects.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), s.cfg.RunTimeout)
	defer cancel()

	sum, err := s.cfg.Pipeline.Run(ctx)
	var ferr *pipeline.FetchError
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	case errors.As(err, &ferr):
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error(), "summary": sum})
	case errors.Is(err, pipeline.ErrInterrupted):
		c.JSON(http.StatusGatewayTimeout, gin.H{"success": false, "error": err.Error(), "summary": sum})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "summary": sum})
	}
}

func (s *Server) handleSetup(c *gin.Context) {
	if err := s.cfg.Ledger.Setup(c.Request.Context()); err != nil {
		s.logger.Error("ledger setup failed", "ledger", s.cfg.Ledger.Name(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("%s header set up", s.cfg.Ledger.Name()),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{"pipeline": s.cfg.Pipeline.Status()}
	if s.cfg.Scheduler != nil {
		resp["scheduler"] = s.cfg.Scheduler.Info()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
