package cache

import (
	"context"
	"fmt"

	"github.com/wudi/tagcache/internal/config"
)

// Health statuses, from best to worst.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// HealthReport is the result of evaluating the cache against thresholds.
type HealthReport struct {
	Status          string   `json:"status"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
	Stats           Stats    `json:"stats"`
}

// Health pings the backend and compares the current statistics with th.
// Zero thresholds are not checked.
func (c *Cache) Health(ctx context.Context, th config.HealthConfig) HealthReport {
	r := HealthReport{
		Status:          StatusHealthy,
		Issues:          []string{},
		Recommendations: []string{},
	}

	opCtx, cancel := c.opContext(ctx)
	err := c.backend.Ping(opCtx)
	cancel()
	if err != nil {
		r.Status = StatusCritical
		r.Issues = append(r.Issues, fmt.Sprintf("backend unreachable: %v", err))
		r.Recommendations = append(r.Recommendations, "check backend connectivity; the cache is serving misses only")
		r.Stats = Stats{
			Hits:            c.stats.hits.Load(),
			Misses:          c.stats.misses.Load(),
			TotalOperations: c.stats.hits.Load() + c.stats.misses.Load(),
		}
		r.Stats.HitRate = hitRate(r.Stats.Hits, r.Stats.TotalOperations)
		return r
	}

	s := c.Stats(ctx)
	r.Stats = s

	warn := func(issue, rec string) {
		r.Status = StatusWarning
		r.Issues = append(r.Issues, issue)
		r.Recommendations = append(r.Recommendations, rec)
	}

	if th.MinHitRate > 0 && s.TotalOperations >= th.MinOperations && s.HitRate < th.MinHitRate {
		warn(fmt.Sprintf("hit rate %.2f below %.2f", s.HitRate, th.MinHitRate),
			"review TTLs and cache keys; frequent invalidation may be evicting useful entries")
	}
	if th.MaxMemoryBytes > 0 && s.MemoryUsage > th.MaxMemoryBytes {
		warn(fmt.Sprintf("memory usage %d bytes above %d", s.MemoryUsage, th.MaxMemoryBytes),
			"lower TTLs or tighten what is cached")
	}
	if th.MaxKeys > 0 && s.CacheSize > th.MaxKeys {
		warn(fmt.Sprintf("%d cached entries above %d", s.CacheSize, th.MaxKeys),
			"add invalidation tags or shorten TTLs to bound the key count")
	}
	return r
}
