// Package server assembles the ragmetrics HTTP service from configuration.
//
// It owns the lifecycle of everything the web handler depends on: the
// analysis store, the result cache, the report sink, the retention job and
// the tracer exporter.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/ragmetrics/internal/cache"
	"github.com/haasonsaas/ragmetrics/internal/config"
	"github.com/haasonsaas/ragmetrics/internal/observability"
	"github.com/haasonsaas/ragmetrics/internal/ratelimit"
	"github.com/haasonsaas/ragmetrics/internal/retention"
	"github.com/haasonsaas/ragmetrics/internal/storage"
	"github.com/haasonsaas/ragmetrics/internal/web"
)

// Options customizes New. Zero values select production defaults.
type Options struct {
	// Version is reported by /health and the page footer.
	Version string
	// Registry receives the service metrics. Defaults to a fresh registry
	// with Go and process collectors.
	Registry *prometheus.Registry
	// Logger overrides the logger built from the logging config.
	Logger *observability.Logger
	// Store overrides the configured analysis store.
	Store storage.AnalysisStore
}

// Server is the ragmetrics HTTP service.
type Server struct {
	config  *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	store   storage.AnalysisStore
	handler http.Handler

	retention     *retention.Service
	shutdownTrace func(context.Context) error

	mu           sync.Mutex
	httpServer   *http.Server
	httpListener net.Listener
	startTime    time.Time
}

// New builds a server from cfg. Nothing listens until Start is called.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg)
	}

	s := &Server{
		config:  cfg,
		logger:  logger,
		metrics: observability.NewMetrics(reg),
	}
	s.tracer, s.shutdownTrace = NewTracer(cfg, opts.Version)

	defaults, err := DefaultMetricTypes(cfg)
	if err != nil {
		return nil, err
	}
	calculator, err := NewCalculator(cfg, logger, s.metrics, s.tracer)
	if err != nil {
		return nil, err
	}

	s.store = opts.Store
	if s.store == nil {
		s.store, err = OpenStore(ctx, cfg, s.metrics, s.tracer)
		if err != nil {
			return nil, err
		}
	}

	webConfig := &web.Config{
		Parser:             NewParser(cfg),
		Calculator:         calculator,
		Store:              s.store,
		Results:            cache.New[*web.Calculation](cache.Options{TTL: cfg.Cache.TTL, MaxSize: cfg.Cache.MaxEntries}),
		DefaultMetricTypes: defaults,
		IncludeBreakdown:   cfg.Export.IncludeDetailedBreakdown,
		RateLimit: ratelimit.Config{
			Enabled:           cfg.RateLimit.Enabled,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger.WithFields("component", "web"),
		Metrics:        s.metrics,
		Tracer:         s.tracer,
		Version:        opts.Version,
		Uptime:         s.Uptime,
	}
	sink, err := NewSink(ctx, cfg)
	if err != nil {
		s.closeStore()
		return nil, err
	}
	if sink != nil {
		webConfig.Sink = sink
	}

	webHandler, err := web.NewHandler(webConfig)
	if err != nil {
		s.closeStore()
		return nil, fmt.Errorf("web handler: %w", err)
	}

	if cfg.Retention.Enabled {
		s.retention, err = retention.New(s.store, retention.Config{
			Schedule: cfg.Retention.Schedule,
			MaxAge:   cfg.Retention.MaxAge,
		}, logger.Slog())
		if err != nil {
			s.closeStore()
			return nil, err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/", webHandler.Mount())
	s.handler = mux
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Store returns the analysis store.
func (s *Server) Store() storage.AnalysisStore {
	return s.store
}

// Start migrates the store, starts background jobs and begins serving.
// It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server already started")
	}

	err := observability.WithSpan(ctx, s.tracer, "storage.migrate", func(ctx context.Context, span trace.Span) error {
		applied, err := storage.Migrate(ctx, s.store)
		if err != nil {
			return err
		}
		s.tracer.SetAttributes(span, "migrations.applied", len(applied))
		if len(applied) > 0 {
			s.logger.WithFields("component", "storage").Info(ctx, "applied migrations", "migrations", applied)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	addr := s.config.Server.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.Server.ReadHeaderTimeout,
	}
	s.httpServer = server
	s.httpListener = listener
	s.startTime = time.Now()

	if s.retention != nil {
		s.retention.Start()
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), "http server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting http server",
		"addr", listener.Addr().String(),
		"database", s.config.Database.Driver,
		"retention", s.retention != nil,
	)
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Uptime returns how long the server has been serving.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

// Shutdown stops accepting requests, waits for in-flight ones, stops the
// retention job and closes the store. It is safe to call without Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.httpListener = nil
	s.mu.Unlock()

	var errs []error
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.retention != nil {
		if err := s.retention.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("retention stop: %w", err))
		}
	}
	if err := s.shutdownTrace(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn(ctx, "shutdown finished with errors", "error", err)
		return err
	}
	s.logger.Info(ctx, "server stopped")
	return nil
}

func (s *Server) closeStore() {
	if s.store != nil {
		_ = s.store.Close()
	}
}
