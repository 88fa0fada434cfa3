package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker states exported by the breaker_state gauge.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// Collector holds the cache's Prometheus collectors.
type Collector struct {
	gatherer prometheus.Gatherer

	hits          prometheus.Counter
	misses        prometheus.Counter
	sets          prometheus.Counter
	invalidated   *prometheus.CounterVec // label: method (tags|pattern|clear|delete)
	backendErrors *prometheus.CounterVec // label: op
	breakerState  prometheus.Gauge
	queueDropped  prometheus.Counter
}

// NewCollector creates the collectors and registers them on reg. A nil reg
// uses a fresh private registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		gatherer: reg,
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagcache_hits_total",
			Help: "Cache lookups served from the cache.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagcache_misses_total",
			Help: "Cache lookups that found no live entry.",
		}),
		sets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagcache_sets_total",
			Help: "Entries written to the cache.",
		}),
		invalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagcache_invalidated_keys_total",
			Help: "Entry keys removed by invalidation.",
		}, []string{"method"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagcache_backend_errors_total",
			Help: "Backend calls that failed and were absorbed.",
		}, []string{"op"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tagcache_breaker_state",
			Help: "Backend circuit breaker state (0=closed, 1=open, 2=half-open).",
		}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagcache_invalidation_dropped_total",
			Help: "Async invalidations rejected because the queue was full.",
		}),
	}
	reg.MustRegister(c.hits, c.misses, c.sets, c.invalidated, c.backendErrors, c.breakerState, c.queueDropped)
	return c
}

// RecordHit records a cache hit.
func (c *Collector) RecordHit() {
	if c == nil {
		return
	}
	c.hits.Inc()
}

// RecordMiss records a cache miss.
func (c *Collector) RecordMiss() {
	if c == nil {
		return
	}
	c.misses.Inc()
}

// RecordSet records a stored entry.
func (c *Collector) RecordSet() {
	if c == nil {
		return
	}
	c.sets.Inc()
}

// RecordInvalidated adds n removed keys under method.
func (c *Collector) RecordInvalidated(method string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.invalidated.WithLabelValues(method).Add(float64(n))
}

// RecordBackendError records an absorbed backend failure for op.
func (c *Collector) RecordBackendError(op string) {
	if c == nil {
		return
	}
	c.backendErrors.WithLabelValues(op).Inc()
}

// SetBreakerState sets the breaker gauge from the breaker's state name.
func (c *Collector) SetBreakerState(state string) {
	if c == nil {
		return
	}
	switch state {
	case "open":
		c.breakerState.Set(BreakerOpen)
	case "half-open":
		c.breakerState.Set(BreakerHalfOpen)
	default:
		c.breakerState.Set(BreakerClosed)
	}
}

// RecordQueueDropped records an invalidation rejected by a full queue.
func (c *Collector) RecordQueueDropped() {
	if c == nil {
		return
	}
	c.queueDropped.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
