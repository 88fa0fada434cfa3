package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/tagcache/internal/backend"
	cerrors "github.com/wudi/tagcache/internal/errors"
)

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	HitRate         float64 `json:"hitRate"`
	TotalOperations int64   `json:"totalOperations"`
	CacheSize       int64   `json:"cacheSize"`
	MemoryUsage     int64   `json:"memoryUsage"`
	Instances       int     `json:"instances,omitempty"`
}

// snapshot is the record each instance flushes to the backend.
type snapshot struct {
	InstanceID string `json:"instanceId"`
	Hits       int64  `json:"hits"`
	Misses     int64  `json:"misses"`
	UpdatedAt  int64  `json:"updatedAt"`
}

type statsTracker struct {
	hits     atomic.Int64
	misses   atomic.Int64
	flushing atomic.Bool
}

func hitRate(hits, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// record counts one lookup outcome and starts a snapshot flush every
// FlushEvery operations.
func (c *Cache) record(hit bool) {
	var total int64
	if hit {
		c.metrics.RecordHit()
		total = c.stats.hits.Add(1) + c.stats.misses.Load()
	} else {
		c.metrics.RecordMiss()
		total = c.stats.misses.Add(1) + c.stats.hits.Load()
	}
	if every := c.opts.FlushEvery; every > 0 && total%every == 0 {
		c.flushAsync()
	}
}

// flushAsync writes a snapshot in the background; at most one flush runs at a time.
func (c *Cache) flushAsync() {
	if !c.stats.flushing.CompareAndSwap(false, true) {
		return
	}
	c.flushWg.Add(1)
	go func() {
		defer c.flushWg.Done()
		defer c.stats.flushing.Store(false)
		if err := c.FlushStats(context.Background()); err != nil {
			c.absorb(asCacheError(err, "flush_stats"))
		}
	}()
}

// FlushStats writes this instance's counters to the backend.
func (c *Cache) FlushStats(ctx context.Context) error {
	data, err := json.Marshal(snapshot{
		InstanceID: c.opts.InstanceID,
		Hits:       c.stats.hits.Load(),
		Misses:     c.stats.misses.Load(),
		UpdatedAt:  c.now().UnixMilli(),
	})
	if err != nil {
		return cerrors.E(cerrors.KindSerialization, "flush_stats", "", err)
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.backend.Set(opCtx, c.statsKey(c.opts.InstanceID), data, c.opts.StatsTTL); err != nil {
		return cerrors.E(cerrors.KindBackendUnavailable, "flush_stats", c.statsKey(c.opts.InstanceID), err)
	}
	return nil
}

// Stats returns this instance's counters plus the namespace's entry count and
// the backend memory estimate.
func (c *Cache) Stats(ctx context.Context) Stats {
	hits, misses := c.stats.hits.Load(), c.stats.misses.Load()
	s := Stats{
		Hits:            hits,
		Misses:          misses,
		TotalOperations: hits + misses,
		HitRate:         hitRate(hits, hits+misses),
	}
	s.CacheSize, s.MemoryUsage = c.sizeAndMemory(ctx)
	return s
}

// ClusterStats sums the snapshots of every instance sharing the namespace.
// This instance contributes its live counters instead of its last snapshot.
func (c *Cache) ClusterStats(ctx context.Context) Stats {
	s := Stats{
		Hits:      c.stats.hits.Load(),
		Misses:    c.stats.misses.Load(),
		Instances: 1,
	}

	own := c.statsKey(c.opts.InstanceID)
	keys, err := c.scanKeys(ctx, c.statsKey("*"))
	if err != nil {
		c.absorb(cerrors.E(cerrors.KindBackendUnavailable, "cluster_stats", "", err))
	}
	for _, key := range keys {
		if key == own {
			continue
		}
		opCtx, cancel := c.opContext(ctx)
		data, err := c.backend.Get(opCtx, key)
		cancel()
		if err != nil {
			if !errors.Is(err, backend.ErrNotFound) {
				c.absorb(cerrors.E(cerrors.KindBackendUnavailable, "cluster_stats", key, err))
			}
			continue
		}
		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			c.log.Warn("skipping unreadable stats snapshot", zap.String("key", key), zap.Error(err))
			continue
		}
		s.Hits += snap.Hits
		s.Misses += snap.Misses
		s.Instances++
	}

	s.TotalOperations = s.Hits + s.Misses
	s.HitRate = hitRate(s.Hits, s.TotalOperations)
	s.CacheSize, s.MemoryUsage = c.sizeAndMemory(ctx)
	return s
}

// ResetStats zeroes this instance's hit and miss counters.
func (c *Cache) ResetStats() {
	c.stats.hits.Store(0)
	c.stats.misses.Store(0)
}

func (c *Cache) sizeAndMemory(ctx context.Context) (size, memory int64) {
	keys, err := c.scanKeys(ctx, c.entryPrefix()+"*")
	if err != nil {
		c.absorb(cerrors.E(cerrors.KindBackendUnavailable, "stats", "", err))
	}
	size = int64(len(keys))

	opCtx, cancel := context.WithTimeout(ctx, c.opts.OperationTimeout+500*time.Millisecond)
	defer cancel()
	memory, err = c.backend.MemoryUsage(opCtx)
	if err != nil {
		c.absorb(cerrors.E(cerrors.KindBackendUnavailable, "memory_usage", "", err))
		memory = 0
	}
	return size, memory
}
