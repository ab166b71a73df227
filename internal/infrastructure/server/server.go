// Package server assembles the admin HTTP server around a runtime.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/webext/internal/api/http"
	"github.com/GriffinCanCode/webext/internal/api/middleware"
	"github.com/GriffinCanCode/webext/internal/api/ws"
	"github.com/GriffinCanCode/webext/internal/domain/app"
	"github.com/GriffinCanCode/webext/internal/infrastructure/config"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webext/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webext/internal/infrastructure/tracing"
)

// Options holds the server collaborators
type Options struct {
	Config  *config.Config
	Runtime *app.Runtime
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
	Tracer  *tracing.Tracer
	// Gatherer backs /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer
}

// Server wraps the HTTP server and dependencies
type Server struct {
	router  *gin.Engine
	http    *http.Server
	runtime *app.Runtime
	logger  *logging.Logger
	config  *config.Config
}

// New creates a new server instance
func New(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := logging.OrNop(opts.Logger)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	if opts.Tracer != nil {
		router.Use(tracing.HTTPMiddleware(opts.Tracer))
	}
	router.Use(monitoring.Middleware(opts.Metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	handlers := apihttp.NewHandlers(opts.Runtime, logger)
	handlers.Register(router)

	wsHandler := ws.NewHandler(opts.Runtime.Events(), opts.Metrics, logger)
	router.GET("/events", wsHandler.HandleConnection)

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	aggregator := apihttp.NewMetricsAggregator(opts.Metrics, opts.Runtime)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/metrics/json", aggregator.GetAggregatedMetrics)

	return &Server{
		router:  router,
		runtime: opts.Runtime,
		logger:  logger,
		config:  cfg,
		http: &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until Close is called
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Serve serves on an existing listener until Close is called
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Starting HTTP server", zap.String("addr", l.Addr().String()))
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Close stops accepting requests and shuts the runtime down
func (s *Server) Close(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	err := s.http.Shutdown(ctx)
	if err != nil {
		s.logger.Error("Failed to shut down HTTP server", zap.Error(err))
		err = fmt.Errorf("failed to shut down http server: %w", err)
	}
	s.runtime.Close(ctx)

	_ = s.logger.Sync()
	return err
}
