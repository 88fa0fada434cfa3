package backend

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryItem struct {
	value     []byte
	members   map[string]struct{} // non-nil for sets
	expiresAt time.Time           // zero means no expiry
}

func (it *memoryItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

func (it *memoryItem) size(key string) int64 {
	n := int64(len(key) + len(it.value))
	for m := range it.members {
		n += int64(len(m))
	}
	return n
}

// MemoryBackend is a bounded in-process Backend with per-key expiry. It backs
// single-instance deployments and tests. Least recently used keys are evicted
// once maxEntries is reached.
type MemoryBackend struct {
	mu        sync.Mutex // makes read-modify-write sequences atomic
	lru       *lru.Cache[string, *memoryItem]
	now       func() time.Time
	evictions atomic.Int64
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBackend) {
		b.now = now
	}
}

// NewMemoryBackend creates a memory backend holding at most maxEntries keys.
func NewMemoryBackend(maxEntries int, opts ...MemoryOption) *MemoryBackend {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	b := &MemoryBackend{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	// New only fails for a non-positive size.
	b.lru, _ = lru.New[string, *memoryItem](maxEntries)
	return b
}

// lookup returns a live item, removing it if expired. Must be called with mu held.
func (b *MemoryBackend) lookup(key string) (*memoryItem, bool) {
	it, ok := b.lru.Get(key)
	if !ok {
		return nil, false
	}
	if it.expired(b.now()) {
		b.lru.Remove(key)
		return nil, false
	}
	return it, true
}

// add stores an item and counts capacity evictions. Must be called with mu held.
func (b *MemoryBackend) add(key string, it *memoryItem) {
	if b.lru.Add(key, it) {
		b.evictions.Add(1)
	}
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	it, ok := b.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	if it.members != nil {
		return nil, ErrWrongType
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	it := &memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = b.now().Add(ttl)
	}

	b.mu.Lock()
	b.add(key, it)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var removed int64
	for _, key := range keys {
		if _, ok := b.lookup(key); ok {
			b.lru.Remove(key)
			removed++
		}
	}
	return removed, nil
}

func (b *MemoryBackend) AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	it, ok := b.lookup(key)
	if !ok {
		it = &memoryItem{members: make(map[string]struct{}, len(members))}
		b.add(key, it)
	} else if it.members == nil {
		return ErrWrongType
	}
	for _, m := range members {
		it.members[m] = struct{}{}
	}
	if ttl > 0 {
		want := b.now().Add(ttl)
		if it.expiresAt.IsZero() || it.expiresAt.Before(want) {
			it.expiresAt = want
		}
	}
	return nil
}

func (b *MemoryBackend) Members(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	it, ok := b.lookup(key)
	if !ok {
		return nil, nil
	}
	if it.members == nil {
		return nil, ErrWrongType
	}
	out := make([]string, 0, len(it.members))
	for m := range it.members {
		out = append(out, m)
	}
	return out, nil
}

// Scan matches keys with doublestar glob syntax. '/' is not treated as a
// separator so '*' spans it the way Redis SCAN MATCH does.
func (b *MemoryBackend) Scan(ctx context.Context, pattern string, count int64, fn func(keys []string) error) error {
	if !doublestar.ValidatePattern(pattern) {
		return doublestar.ErrBadPattern
	}
	pattern = flattenSeparators(pattern)
	if count <= 0 {
		count = 100
	}

	b.mu.Lock()
	now := b.now()
	var matched []string
	for _, key := range b.lru.Keys() {
		it, ok := b.lru.Peek(key)
		if !ok || it.expired(now) {
			continue
		}
		if m, _ := doublestar.Match(pattern, flattenSeparators(key)); m {
			matched = append(matched, key)
		}
	}
	b.mu.Unlock()

	for start := 0; start < len(matched); start += int(count) {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+int(count), len(matched))
		if err := fn(matched[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func flattenSeparators(s string) string {
	return strings.ReplaceAll(s, "/", "\x00")
}

func (b *MemoryBackend) MemoryUsage(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total int64
	for _, key := range b.lru.Keys() {
		if it, ok := b.lru.Peek(key); ok {
			total += it.size(key)
		}
	}
	return total, nil
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored keys, including expired ones not yet removed.
func (b *MemoryBackend) Len() int {
	return b.lru.Len()
}

// Evictions returns how many keys were evicted for capacity.
func (b *MemoryBackend) Evictions() int64 {
	return b.evictions.Load()
}
