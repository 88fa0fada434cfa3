package cache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/tagcache/internal/keycodec"
)

// WarmItem is one query to preload.
type WarmItem struct {
	Identifier string       `json:"identifier"`
	Parameters []any        `json:"parameters"`
	Options    EntryOptions `json:"-"`
}

// Loader computes the result of a query for warm-up.
type Loader func(ctx context.Context, identifier string, params []any) (any, error)

// WarmResult summarizes a warm-up run.
type WarmResult struct {
	Requested int           `json:"requested"`
	Loaded    int           `json:"loaded"`
	Skipped   int           `json:"skipped"` // ineligible or already cached
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"-"`
	Took      string        `json:"took"`
}

// Warm loads and stores every eligible item that is not already cached, with
// at most WarmupConcurrency loads running at once. Loader failures are
// counted and logged; they do not stop the batch.
func (c *Cache) Warm(ctx context.Context, items []WarmItem, loader Loader) WarmResult {
	start := time.Now()
	ctx, span := c.tracer.StartSpan(ctx, "cache.warm")
	defer span.End()

	var loaded, skipped, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.WarmupConcurrency)
	for _, item := range items {
		g.Go(func() error {
			if !c.filter.ShouldCache(item.Identifier) {
				skipped.Add(1)
				return nil
			}
			key := keycodec.Resolve(item.Options.KeyFunc, item.Identifier, item.Parameters)
			if c.exists(gctx, key) {
				skipped.Add(1)
				return nil
			}

			v, err := loader(gctx, item.Identifier, item.Parameters)
			if err != nil {
				failed.Add(1)
				c.log.Warn("warm-up load failed",
					zap.String("key", key),
					zap.Error(err),
				)
				return nil
			}
			c.Set(gctx, key, v, item.Options.TTL, item.Options.Tags)
			loaded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	d := time.Since(start)
	r := WarmResult{
		Requested: len(items),
		Loaded:    int(loaded.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
		Duration:  d,
		Took:      d.String(),
	}
	c.log.Info("cache warm-up finished",
		zap.Int("requested", r.Requested),
		zap.Int("loaded", r.Loaded),
		zap.Int("skipped", r.Skipped),
		zap.Int("failed", r.Failed),
		zap.Duration("took", d),
	)
	return r
}

// exists reports whether a live entry is stored under key, without counting
// a hit or miss.
func (c *Cache) exists(ctx context.Context, key string) bool {
	_, ok := c.load(ctx, key)
	return ok
}
