// Package admin serves the cache's operational HTTP API.
package admin

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/tagcache/internal/cache"
	"github.com/wudi/tagcache/internal/config"
	cerrors "github.com/wudi/tagcache/internal/errors"
	"github.com/wudi/tagcache/internal/invalidate"
	"github.com/wudi/tagcache/internal/logging"
	"github.com/wudi/tagcache/internal/metrics"
	"github.com/wudi/tagcache/internal/policy"
	"github.com/wudi/tagcache/internal/tracing"
)

// Server exposes cache statistics and maintenance operations over HTTP.
type Server struct {
	cache      *cache.Cache
	cfg        config.AdminConfig
	health     atomic.Pointer[config.HealthConfig]
	loader     cache.Loader
	dispatcher *invalidate.Dispatcher
	registry   *policy.Registry
	configView atomic.Pointer[config.Config]
	metrics    *metrics.Collector
	tracer     *tracing.Tracer
	limiter    *rate.Limiter
	log        *zap.Logger
	httpServer *http.Server
	startTime  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLoader enables POST /cache/warmup.
func WithLoader(l cache.Loader) Option {
	return func(s *Server) { s.loader = l }
}

// WithDispatcher exposes async invalidation statistics.
func WithDispatcher(d *invalidate.Dispatcher) Option {
	return func(s *Server) { s.dispatcher = d }
}

// WithRegistry exposes the registered policy names.
func WithRegistry(r *policy.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithConfig exposes the running configuration, with secrets redacted.
func WithConfig(cfg *config.Config) Option {
	return func(s *Server) { s.configView.Store(cfg) }
}

// WithMetrics serves the collector on the configured metrics path.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracer wraps every request in a server span.
func WithTracer(t *tracing.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithLogger overrides the global logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// NewServer creates an admin server for c.
func NewServer(c *cache.Cache, cfg config.AdminConfig, health config.HealthConfig, opts ...Option) *Server {
	s := &Server{
		cache:     c,
		cfg:       cfg,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Global()
	}
	s.log = s.log.With(zap.String("component", "admin"))
	s.health.Store(&health)

	limit := rate.Limit(cfg.PatternRateLimit)
	if cfg.PatternRateLimit <= 0 {
		limit = rate.Inf
	}
	s.limiter = rate.NewLimiter(limit, 1)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// SetHealthThresholds replaces the thresholds used by GET /cache/health.
func (s *Server) SetHealthThresholds(th config.HealthConfig) {
	s.health.Store(&th)
}

// SetConfig replaces the configuration shown by GET /cache/config.
func (s *Server) SetConfig(cfg *config.Config) {
	s.configView.Store(cfg)
}

// Handler returns the routed admin handler.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cerrors.ErrNotFound.WriteJSON(w)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cerrors.ErrMethodNotAllowed.WriteJSON(w)
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		s.log.Error("admin handler panic", zap.Any("panic", v), zap.String("path", r.URL.Path))
		cerrors.ErrInternalServer.WriteJSON(w)
	}

	router.GET("/healthz", s.handleLiveness)
	router.GET("/cache/stats", s.handleStats)
	router.POST("/cache/stats/reset", s.handleResetStats)
	router.DELETE("/cache/clear", s.handleClear)
	router.POST("/cache/invalidate", s.handleInvalidate)
	router.DELETE("/cache/pattern/*pattern", s.handleInvalidatePattern)
	router.GET("/cache/entries/tag/*tag", s.handleEntriesForTag)
	router.POST("/cache/warmup", s.handleWarmup)
	router.GET("/cache/health", s.handleHealth)
	router.GET("/cache/policies", s.handlePolicies)
	router.GET("/cache/invalidation", s.handleInvalidation)
	router.GET("/cache/config", s.handleConfig)

	metricsPath := s.cfg.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		router.Handler(http.MethodGet, metricsPath, s.metrics.Handler())
	}

	mws := []middleware{accessLog(s.log, "/healthz", metricsPath)}
	if s.tracer.IsEnabled() {
		mws = append([]middleware{s.tracer.Middleware()}, mws...)
	}
	return chain(router, mws...)
}

// Start serves in the background. Listen errors are sent on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting admin server", zap.String("address", s.cfg.Address))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
