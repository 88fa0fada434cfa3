package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel/attribute"

	cerrors "github.com/wudi/tagcache/internal/errors"
	"github.com/wudi/tagcache/internal/tracing"
)

// InvalidateByTags deletes every entry indexed under any of tags and then the
// tag sets themselves. It returns how many entries were removed; a key shared
// by several tags counts once. Failures are logged and yield 0.
func (c *Cache) InvalidateByTags(ctx context.Context, tags []string) int {
	n, err := c.TryInvalidateByTags(ctx, tags)
	if err != nil {
		c.absorb(asCacheError(err, "invalidate"))
		return 0
	}
	return n
}

// TryInvalidateByTags is InvalidateByTags reporting the failure instead of
// logging it, so callers can retry.
func (c *Cache) TryInvalidateByTags(ctx context.Context, tags []string) (int, error) {
	tags = uniqueTags(tags)
	ctx, span := c.tracer.StartSpan(ctx, "cache.invalidate_tags", attribute.StringSlice("cache.tags", tags))
	defer span.End()

	if len(tags) == 0 {
		return 0, nil
	}

	seen := make(map[string]struct{})
	var entryKeys []string
	tagKeys := make([]string, 0, len(tags))
	for _, tag := range tags {
		tagKeys = append(tagKeys, c.tagKey(tag))

		opCtx, cancel := c.opContext(ctx)
		members, err := c.backend.Members(opCtx, c.tagKey(tag))
		cancel()
		if err != nil {
			err = cerrors.E(cerrors.KindInvalidationFailure, "invalidate", tag, err)
			tracing.RecordError(span, err)
			return 0, err
		}
		for _, m := range members {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			entryKeys = append(entryKeys, c.entryKey(m))
		}
	}

	var removed int64
	if len(entryKeys) > 0 {
		opCtx, cancel := c.opContext(ctx)
		n, err := c.backend.Delete(opCtx, entryKeys...)
		cancel()
		if err != nil {
			err = cerrors.E(cerrors.KindInvalidationFailure, "invalidate", strings.Join(tags, ","), err)
			tracing.RecordError(span, err)
			return 0, err
		}
		removed = n
	}

	// Entries are already gone; a leftover tag set only holds dead members.
	opCtx, cancel := c.opContext(ctx)
	_, err := c.backend.Delete(opCtx, tagKeys...)
	cancel()
	if err != nil {
		c.absorb(cerrors.E(cerrors.KindBackendUnavailable, "invalidate", strings.Join(tags, ","), err))
	}

	span.SetAttributes(attribute.Int64("cache.invalidated", removed))
	c.metrics.RecordInvalidated("tags", int(removed))
	return int(removed), nil
}

// ValidatePattern checks a key pattern for glob syntax errors. Brace
// alternation is rejected because Redis SCAN MATCH treats braces literally.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	if strings.ContainsAny(pattern, "{}") {
		return fmt.Errorf("invalid pattern %q: brace alternation is not supported", pattern)
	}
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid pattern %q: %w", pattern, doublestar.ErrBadPattern)
	}
	return nil
}

// InvalidateByPattern deletes entries whose logical key matches the glob
// pattern. It scans the whole namespace and is meant for administrative use.
func (c *Cache) InvalidateByPattern(ctx context.Context, pattern string) int {
	n, err := c.TryInvalidateByPattern(ctx, pattern)
	if err != nil {
		c.absorb(asCacheError(err, "invalidate_pattern"))
	}
	return n
}

// TryInvalidateByPattern is InvalidateByPattern reporting the failure. The
// count covers entries removed before the failure.
func (c *Cache) TryInvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	if err := ValidatePattern(pattern); err != nil {
		return 0, cerrors.E(cerrors.KindConfiguration, "invalidate_pattern", pattern, err)
	}
	ctx, span := c.tracer.StartSpan(ctx, "cache.invalidate_pattern", attribute.String("cache.pattern", pattern))
	defer span.End()

	n, err := c.deleteMatching(ctx, c.entryPrefix()+pattern)
	if err != nil {
		tracing.RecordError(span, err)
		err = cerrors.E(cerrors.KindInvalidationFailure, "invalidate_pattern", pattern, err)
	}
	c.metrics.RecordInvalidated("pattern", n)
	return n, err
}

// Clear deletes all entries and tag sets in the namespace and returns the
// number of entries removed.
func (c *Cache) Clear(ctx context.Context) int {
	ctx, span := c.tracer.StartSpan(ctx, "cache.clear")
	defer span.End()

	n, err := c.deleteMatching(ctx, c.entryPrefix()+"*")
	if err != nil {
		tracing.RecordError(span, err)
		c.absorb(cerrors.E(cerrors.KindBackendUnavailable, "clear", "", err))
	}
	if _, err := c.deleteMatching(ctx, c.tagKey("*")); err != nil {
		c.absorb(cerrors.E(cerrors.KindBackendUnavailable, "clear", "", err))
	}
	c.metrics.RecordInvalidated("clear", n)
	return n
}

// KeysForTag returns the logical keys indexed under tag, sorted. Members may
// refer to entries that already expired.
func (c *Cache) KeysForTag(ctx context.Context, tag string) []string {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	members, err := c.backend.Members(opCtx, c.tagKey(tag))
	if err != nil {
		c.absorb(cerrors.E(cerrors.KindBackendUnavailable, "members", tag, err))
		return []string{}
	}
	sort.Strings(members)
	if members == nil {
		members = []string{}
	}
	return members
}

// scanKeys collects every key matching pattern within the scan timeout.
func (c *Cache) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	scanCtx, cancel := context.WithTimeout(ctx, c.opts.ScanTimeout)
	defer cancel()

	var keys []string
	err := c.backend.Scan(scanCtx, pattern, c.opts.ScanCount, func(batch []string) error {
		keys = append(keys, batch...)
		return nil
	})
	return keys, err
}

// deleteMatching scans first and deletes afterwards in ScanCount sized
// batches, so deletes never run inside a scan callback.
func (c *Cache) deleteMatching(ctx context.Context, pattern string) (int, error) {
	keys, err := c.scanKeys(ctx, pattern)
	if err != nil {
		return 0, err
	}

	delCtx, cancel := context.WithTimeout(ctx, c.opts.ScanTimeout)
	defer cancel()

	var removed int64
	batch := int(c.opts.ScanCount)
	for start := 0; start < len(keys); start += batch {
		end := min(start+batch, len(keys))
		n, err := c.backend.Delete(delCtx, keys[start:end]...)
		if err != nil {
			return int(removed), err
		}
		removed += n
	}
	return int(removed), nil
}

func asCacheError(err error, op string) *cerrors.CacheError {
	var ce *cerrors.CacheError
	if errors.As(err, &ce) {
		return ce
	}
	return cerrors.E(cerrors.KindUnknown, op, "", err)
}
