package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/tagcache/internal/admin"
	"github.com/wudi/tagcache/internal/backend"
	"github.com/wudi/tagcache/internal/cache"
	"github.com/wudi/tagcache/internal/config"
	"github.com/wudi/tagcache/internal/invalidate"
	"github.com/wudi/tagcache/internal/logging"
	"github.com/wudi/tagcache/internal/metrics"
	"github.com/wudi/tagcache/internal/policy"
	"github.com/wudi/tagcache/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

// app owns every long-lived component of the service.
type app struct {
	cfg        *config.Config
	configPath string

	tracer     *tracing.Tracer
	redis      *redis.Client
	cache      *cache.Cache
	registry   *policy.Registry
	dispatcher *invalidate.Dispatcher
	admin      *admin.Server
	watcher    *config.Watcher
}

func validatePolicies(cfg *config.Config) error {
	return policy.NewRegistry().LoadConfig(cfg.Policies)
}

func newApp(cfg *config.Config, configPath string) (*app, error) {
	a := &app{cfg: cfg, configPath: configPath}

	tracer := tracing.Disabled()
	if cfg.Tracing.Enabled {
		t, err := tracing.New(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		tracer = t
	}
	a.tracer = tracer

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector(reg)

	b := a.buildBackend()
	if cfg.Breaker.Enabled {
		b = backend.NewBreaker(b, backend.BreakerSettings{
			Name:             "tagcache-" + cfg.Cache.Backend,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Breaker.OpenTimeout,
			HalfOpenRequests: cfg.Breaker.HalfOpenRequests,
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.SetBreakerState(to.String())
				logging.Warn("backend circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}

	opts := cache.OptionsFromConfig(cfg.Cache)
	opts.Metrics = m
	opts.Tracer = tracer
	a.cache = cache.New(b, opts)

	a.registry = policy.NewRegistry()
	if err := a.registry.LoadConfig(cfg.Policies); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	adminOpts := []admin.Option{
		admin.WithMetrics(m),
		admin.WithTracer(tracer),
		admin.WithRegistry(a.registry),
		admin.WithConfig(cfg),
	}
	if cfg.Invalidation.Async {
		a.dispatcher = invalidate.NewDispatcher(a.cache, cfg.Invalidation, m)
		adminOpts = append(adminOpts, admin.WithDispatcher(a.dispatcher))
	}
	a.admin = admin.NewServer(a.cache, cfg.Admin, cfg.Health, adminOpts...)

	if configPath != "" {
		w, err := config.NewWatcher(configPath)
		if err != nil {
			logging.Warn("config watcher disabled", zap.Error(err))
		} else {
			w.OnChange(a.applyConfig)
			a.watcher = w
		}
	}

	logging.Info("tagcache initialized",
		zap.String("instance_id", a.cache.InstanceID()),
		zap.Strings("policies", a.registry.Names()),
		zap.Bool("breaker", cfg.Breaker.Enabled),
		zap.Bool("async_invalidation", cfg.Invalidation.Async),
		zap.Bool("tracing", tracer.IsEnabled()),
	)
	return a, nil
}

func (a *app) buildBackend() backend.Backend {
	if a.cfg.Cache.Backend == "memory" {
		return backend.NewMemoryBackend(a.cfg.Cache.MemoryMaxEntries)
	}

	opts := &redis.Options{
		Addr:        a.cfg.Redis.Address,
		Password:    a.cfg.Redis.Password,
		DB:          a.cfg.Redis.DB,
		PoolSize:    a.cfg.Redis.PoolSize,
		DialTimeout: a.cfg.Redis.DialTimeout,
	}
	if a.cfg.Redis.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	a.redis = redis.NewClient(opts)
	return backend.NewRedisBackend(a.redis)
}

// applyConfig applies the settings that can change without a restart.
// Policies, backend and admin address require a restart.
func (a *app) applyConfig(cfg *config.Config) {
	logging.SetLevel(cfg.Logging.Level)
	a.admin.SetHealthThresholds(cfg.Health)
	a.admin.SetConfig(cfg)
	logging.Info("applied configuration changes",
		zap.String("log_level", cfg.Logging.Level),
	)
}

func (a *app) reload() {
	cfg, err := config.NewLoader().Load(a.configPath)
	if err != nil {
		logging.Error("Config reload failed", zap.Error(err))
		return
	}
	a.applyConfig(cfg)
}

// Run serves until SIGINT or SIGTERM. SIGHUP reloads the configuration.
func (a *app) Run() error {
	if a.watcher != nil {
		if err := a.watcher.Start(); err != nil {
			logging.Warn("failed to start config watcher", zap.Error(err))
		}
	}

	errCh := a.admin.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)

	for {
		select {
		case err, ok := <-errCh:
			if ok && err != nil {
				a.shutdown()
				return fmt.Errorf("admin server error: %w", err)
			}
			errCh = nil
		case sig := <-quit:
			if sig == syscall.SIGHUP {
				a.reload()
				continue
			}
			logging.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
			return a.shutdown()
		}
	}
}

func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	record := func(what string, err error) {
		if err == nil {
			return
		}
		logging.Error(what, zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	if a.watcher != nil {
		record("Config watcher stop error", a.watcher.Stop())
	}
	record("Admin server shutdown error", a.admin.Shutdown(ctx))
	if a.dispatcher != nil {
		record("Invalidation dispatcher close error", a.dispatcher.Close(ctx))
	}
	if err := a.cache.FlushStats(ctx); err != nil {
		logging.Warn("final stats flush failed", zap.Error(err))
	}
	a.cache.Close()
	if a.redis != nil {
		record("Redis close error", a.redis.Close())
	}
	record("Tracer shutdown error", a.tracer.Close(ctx))

	logging.Info("Server shutdown complete")
	return firstErr
}
