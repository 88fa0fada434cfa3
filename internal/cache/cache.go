// Package cache implements a tag-indexed, time-bounded result cache on top of
// a remote key-value backend. Backend failures never reach callers: reads
// degrade to misses and writes to no-ops.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wudi/tagcache/internal/backend"
	"github.com/wudi/tagcache/internal/config"
	"github.com/wudi/tagcache/internal/eligibility"
	cerrors "github.com/wudi/tagcache/internal/errors"
	"github.com/wudi/tagcache/internal/logging"
	"github.com/wudi/tagcache/internal/metrics"
	"github.com/wudi/tagcache/internal/tracing"
)

// Options configures a Cache. Zero values fall back to the defaults of
// config.DefaultConfig.
type Options struct {
	Namespace         string
	InstanceID        string
	DefaultTTL        time.Duration
	OperationTimeout  time.Duration
	ScanTimeout       time.Duration
	ScanCount         int64
	FlushEvery        int64 // 0 disables stats snapshots
	StatsTTL          time.Duration
	WarmupConcurrency int

	Filter  *eligibility.Filter
	Metrics *metrics.Collector
	Tracer  *tracing.Tracer
	Logger  *zap.Logger
	Clock   func() time.Time
}

// OptionsFromConfig maps the cache section of the configuration to Options.
func OptionsFromConfig(cfg config.CacheConfig) Options {
	return Options{
		Namespace:         cfg.Namespace,
		InstanceID:        cfg.InstanceID,
		DefaultTTL:        cfg.DefaultTTL,
		OperationTimeout:  cfg.OperationTimeout,
		ScanTimeout:       cfg.ScanTimeout,
		ScanCount:         cfg.ScanCount,
		FlushEvery:        cfg.FlushEvery,
		StatsTTL:          cfg.StatsTTL,
		WarmupConcurrency: cfg.WarmupConcurrency,
		Filter: eligibility.New(
			eligibility.WithMaxLength(cfg.MaxIdentifierLength),
			eligibility.WithWritePrefixes(cfg.WritePrefixes...),
		),
	}
}

// Cache is safe for concurrent use.
type Cache struct {
	backend backend.Backend
	opts    Options
	filter  *eligibility.Filter
	metrics *metrics.Collector
	tracer  *tracing.Tracer
	log     *zap.Logger
	now     func() time.Time

	stats   statsTracker
	flushWg sync.WaitGroup
}

// New creates a Cache over b.
func New(b backend.Backend, opts Options) *Cache {
	defaults := config.DefaultConfig().Cache
	if opts.Namespace == "" {
		opts.Namespace = defaults.Namespace
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = defaults.DefaultTTL
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaults.OperationTimeout
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = defaults.ScanTimeout
	}
	if opts.ScanCount <= 0 {
		opts.ScanCount = defaults.ScanCount
	}
	if opts.StatsTTL <= 0 {
		opts.StatsTTL = defaults.StatsTTL
	}
	if opts.WarmupConcurrency <= 0 {
		opts.WarmupConcurrency = defaults.WarmupConcurrency
	}
	if opts.Filter == nil {
		opts.Filter = eligibility.New()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Disabled()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Cache{
		backend: b,
		opts:    opts,
		filter:  opts.Filter,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		log:     opts.Logger.With(zap.String("component", "cache")),
		now:     opts.Clock,
	}
}

// Namespace returns the key prefix in use.
func (c *Cache) Namespace() string {
	return c.opts.Namespace
}

// InstanceID identifies this process in cluster statistics.
func (c *Cache) InstanceID() string {
	return c.opts.InstanceID
}

// Filter returns the eligibility filter used by Fetch and Warm.
func (c *Cache) Filter() *eligibility.Filter {
	return c.filter
}

// Backend returns the underlying backend.
func (c *Cache) Backend() backend.Backend {
	return c.backend
}

func (c *Cache) entryKey(key string) string {
	return c.opts.Namespace + ":entry:" + key
}

func (c *Cache) tagKey(tag string) string {
	return c.opts.Namespace + ":tag:" + tag
}

func (c *Cache) statsKey(id string) string {
	return c.opts.Namespace + ":stats:" + id
}

func (c *Cache) entryPrefix() string {
	return c.opts.Namespace + ":entry:"
}

func (c *Cache) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.OperationTimeout)
}

// absorb logs a failure that is converted to a miss or a no-op.
func (c *Cache) absorb(err *cerrors.CacheError) {
	switch err.Kind {
	case cerrors.KindBackendUnavailable, cerrors.KindInvalidationFailure:
		c.metrics.RecordBackendError(err.Op)
	}
	fields := []zap.Field{
		zap.String("op", err.Op),
		zap.String("kind", err.Kind.String()),
		zap.Error(err.Err),
	}
	if err.Key != "" {
		fields = append(fields, zap.String("key", err.Key))
	}
	if backend.IsRejected(err.Err) {
		c.log.Debug("cache backend rejected by circuit breaker", fields...)
		return
	}
	c.log.Warn("cache operation failed, continuing without cache", fields...)
}

// load fetches and validates an entry without touching statistics.
func (c *Cache) load(ctx context.Context, key string) (*Entry, bool) {
	opCtx, cancel := c.opContext(ctx)
	data, err := c.backend.Get(opCtx, c.entryKey(key))
	cancel()
	if err != nil {
		if !errors.Is(err, backend.ErrNotFound) {
			c.absorb(cerrors.E(cerrors.KindBackendUnavailable, "get", key, err))
		}
		return nil, false
	}

	entry, err := decodeEntry(data)
	if err != nil {
		c.absorb(cerrors.E(cerrors.KindSerialization, "get", key, err))
		c.remove(ctx, key)
		return nil, false
	}
	if !entry.Live(c.now()) {
		c.remove(ctx, key)
		return nil, false
	}
	return entry, true
}

func (c *Cache) remove(ctx context.Context, key string) int64 {
	opCtx, cancel := c.opContext(context.WithoutCancel(ctx))
	defer cancel()
	n, err := c.backend.Delete(opCtx, c.entryKey(key))
	if err != nil {
		c.absorb(cerrors.E(cerrors.KindBackendUnavailable, "delete", key, err))
		return 0
	}
	return n
}

// Get decodes the live value stored under key into dst. It reports false on
// a miss, a stale entry, a value that does not decode into dst or a backend
// failure.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	ctx, span := c.tracer.StartSpan(ctx, "cache.get", attribute.String("cache.key", key))
	defer span.End()

	entry, ok := c.load(ctx, key)
	if ok {
		if err := json.Unmarshal(entry.Value, dst); err != nil {
			c.absorb(cerrors.E(cerrors.KindSerialization, "get", key, err))
			c.remove(ctx, key)
			ok = false
		}
	}
	c.record(ok)
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	return ok
}

// GetRaw returns the live value's JSON encoding.
func (c *Cache) GetRaw(ctx context.Context, key string) ([]byte, bool) {
	ctx, span := c.tracer.StartSpan(ctx, "cache.get", attribute.String("cache.key", key))
	defer span.End()

	entry, ok := c.load(ctx, key)
	c.record(ok)
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// Set stores value under key for ttl and indexes it under tags. A ttl of
// zero or less uses the default TTL. Failures are logged, never returned.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration, tags []string) {
	ttl = normalizeTTL(ttl, c.opts.DefaultTTL)
	tags = uniqueTags(tags)

	ctx, span := c.tracer.StartSpan(ctx, "cache.set",
		attribute.String("cache.key", key),
		attribute.Int64("cache.ttl_seconds", int64(ttl/time.Second)),
		attribute.StringSlice("cache.tags", tags),
	)
	defer span.End()

	data, err := encodeEntry(value, ttl, tags, c.now())
	if err != nil {
		tracing.RecordError(span, err)
		c.absorb(cerrors.E(cerrors.KindSerialization, "set", key, err))
		return
	}

	opCtx, cancel := c.opContext(ctx)
	err = c.backend.Set(opCtx, c.entryKey(key), data, ttl)
	cancel()
	if err != nil {
		tracing.RecordError(span, err)
		c.absorb(cerrors.E(cerrors.KindBackendUnavailable, "set", key, err))
		return
	}
	c.metrics.RecordSet()

	for _, tag := range tags {
		opCtx, cancel := c.opContext(ctx)
		err := c.backend.AddToSet(opCtx, c.tagKey(tag), 2*ttl, key)
		cancel()
		if err != nil {
			c.absorb(cerrors.E(cerrors.KindBackendUnavailable, "tag", tag, err))
		}
	}
}

// Delete removes the entry for key. Tag sets keep the stale member.
func (c *Cache) Delete(ctx context.Context, key string) bool {
	ctx, span := c.tracer.StartSpan(ctx, "cache.delete", attribute.String("cache.key", key))
	defer span.End()

	n := c.remove(ctx, key)
	c.metrics.RecordInvalidated("delete", int(n))
	return n > 0
}

// Close waits for in-flight statistics flushes.
func (c *Cache) Close() {
	c.flushWg.Wait()
}

func uniqueTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
