package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/tagcache/internal/keycodec"
)

// EntryOptions controls how a computed result is stored.
type EntryOptions struct {
	TTL     time.Duration    // <= 0 uses the default TTL
	Tags    []string         // invalidation tags
	KeyFunc keycodec.KeyFunc // overrides the generated key
}

// Fetch returns the cached result for identifier and params, or runs compute
// and caches its result. Identifiers rejected by the eligibility filter always
// run compute. Errors from compute are returned as is and nothing is stored.
func Fetch[T any](ctx context.Context, c *Cache, identifier string, params []any, opts EntryOptions, compute func(context.Context) (T, error)) (T, error) {
	if ok, reason := c.filter.Check(identifier); !ok {
		c.log.Debug("query not cacheable", zap.String("reason", reason))
		return compute(ctx)
	}

	key := keycodec.Resolve(opts.KeyFunc, identifier, params)

	var cached T
	if c.Get(ctx, key, &cached) {
		return cached, nil
	}

	v, err := compute(ctx)
	if err != nil {
		return v, err
	}
	c.Set(ctx, key, v, opts.TTL, opts.Tags)
	return v, nil
}
