package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/tagcache/internal/backend"
	"github.com/wudi/tagcache/internal/backend/backendtest"
	"github.com/wudi/tagcache/internal/config"
	cerrors "github.com/wudi/tagcache/internal/errors"
	"github.com/wudi/tagcache/internal/metrics"
	"github.com/wudi/tagcache/internal/tracing"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestCache returns a cache and memory backend sharing one fake clock.
func newTestCache(t *testing.T, opts Options) (*Cache, *backend.MemoryBackend, *testClock) {
	t.Helper()
	clock := newTestClock()
	b := backend.NewMemoryBackend(1000, backend.WithClock(clock.Now))
	if opts.Namespace == "" {
		opts.Namespace = "test"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := New(b, opts)
	t.Cleanup(c.Close)
	return c, b, clock
}

type user struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestCacheSetGet(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t, Options{})

	c.Set(ctx, "user:1", user{ID: 1, Name: "Alice"}, 5*time.Minute, []string{"users"})

	var got user
	if !c.Get(ctx, "user:1", &got) {
		t.Fatal("expected cache hit")
	}
	if got.ID != 1 || got.Name != "Alice" {
		t.Errorf("unexpected value %+v", got)
	}

	raw, ok := c.GetRaw(ctx, "user:1")
	if !ok || string(raw) != `{"id":1,"name":"Alice"}` {
		t.Errorf("GetRaw = %s, %v", raw, ok)
	}
}

func TestCacheMiss(t *testing.T) {
	c, _, _ := newTestCache(t, Options{})

	var v string
	if c.Get(context.Background(), "nonexistent", &v) {
		t.Fatal("expected cache miss")
	}
}

func TestCacheSetReplaces(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t, Options{})

	c.Set(ctx, "k", "first", time.Minute, nil)
	c.Set(ctx, "k", "second", time.Minute, nil)

	var v string
	c.Get(ctx, "k", &v)
	if v != "second" {
		t.Errorf("expected second, got %q", v)
	}
}

func TestCacheStoredEnvelope(t *testing.T) {
	ctx := context.Background()
	c, b, clock := newTestCache(t, Options{})

	c.Set(ctx, "k", map[string]int{"n": 1}, 90*time.Second, []string{"a", "a", "b"})

	data, err := b.Get(ctx, "test:entry:k")
	if err != nil {
		t.Fatalf("expected raw entry in backend: %v", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("envelope is not JSON: %v", err)
	}
	if string(e.Value) != `{"n":1}` {
		t.Errorf("unexpected value %s", e.Value)
	}
	if e.CreatedAt != clock.Now().UnixMilli() {
		t.Errorf("unexpected createdAt %d", e.CreatedAt)
	}
	if e.TTL != 90 {
		t.Errorf("expected ttl 90, got %d", e.TTL)
	}
	if len(e.Tags) != 2 {
		t.Errorf("expected deduplicated tags, got %v", e.Tags)
	}
}

func TestCacheStaleEntryIsMissEvenIfBackendHoldsIt(t *testing.T) {
	ctx := context.Background()
	cacheClock := newTestClock()
	b := backend.NewMemoryBackend(100) // real clock: the backend keeps the key
	c := New(b, Options{Namespace: "test", Clock: cacheClock.Now, Logger: zap.NewNop()})

	c.Set(ctx, "k", "v", 2*time.Second, nil)

	cacheClock.Advance(1999 * time.Millisecond)
	var v string
	if !c.Get(ctx, "k", &v) {
		t.Fatal("expected hit before ttl")
	}

	cacheClock.Advance(time.Millisecond)
	if c.Get(ctx, "k", &v) {
		t.Fatal("expected miss once ttl elapsed")
	}
	if _, err := b.Get(ctx, "test:entry:k"); !errors.Is(err, backend.ErrNotFound) {
		t.Error("expected stale entry to be deleted on read")
	}
}

func TestNormalizeTTL(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, 5 * time.Minute},
		{-time.Second, 5 * time.Minute},
		{500 * time.Millisecond, time.Second},
		{1500 * time.Millisecond, 2 * time.Second},
		{3 * time.Second, 3 * time.Second},
	}
	for _, tt := range tests {
		if got := normalizeTTL(tt.in, 5*time.Minute); got != tt.want {
			t.Errorf("normalizeTTL(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCacheDefaultTTL(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newTestCache(t, Options{DefaultTTL: time.Minute})

	c.Set(ctx, "k", "v", 0, nil)
	clock.Advance(59 * time.Second)
	var v string
	if !c.Get(ctx, "k", &v) {
		t.Fatal("expected hit within default ttl")
	}
	clock.Advance(time.Second)
	if c.Get(ctx, "k", &v) {
		t.Fatal("expected miss after default ttl")
	}
}

func TestCacheCorruptEntry(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	c, b, _ := newTestCache(t, Options{Logger: zap.New(core)})

	b.Set(ctx, "test:entry:bad", []byte("not json"), time.Minute)

	var v string
	if c.Get(ctx, "bad", &v) {
		t.Fatal("expected corrupt entry to be a miss")
	}
	if _, err := b.Get(ctx, "test:entry:bad"); !errors.Is(err, backend.ErrNotFound) {
		t.Error("expected corrupt entry to be deleted")
	}

	entries := logs.FilterField(zap.String("kind", "serialization")).All()
	if len(entries) != 1 {
		t.Fatalf("expected one serialization warning, got %d", len(entries))
	}
}

func TestCacheGetTypeMismatch(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t, Options{})

	c.Set(ctx, "k", "a string", time.Minute, nil)

	var n int
	if c.Get(ctx, "k", &n) {
		t.Fatal("expected miss when value does not decode into dst")
	}
	if s := c.Stats(ctx); s.Misses != 1 || s.Hits != 0 {
		t.Errorf("expected the lookup to count as a miss, got %+v", s)
	}
}

func TestCacheDelete(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t, Options{})

	c.Set(ctx, "k", "v", time.Minute, []string{"t"})
	if !c.Delete(ctx, "k") {
		t.Fatal("expected delete to remove the key")
	}
	if c.Delete(ctx, "k") {
		t.Error("second delete should report nothing removed")
	}
	var v string
	if c.Get(ctx, "k", &v) {
		t.Error("expected miss after delete")
	}
	// tag sets are not scrubbed
	if keys := c.KeysForTag(ctx, "t"); len(keys) != 1 {
		t.Errorf("expected stale tag member to remain, got %v", keys)
	}
}

func TestCacheFailOpen(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	fb := &backendtest.Failing{}
	c := New(fb, Options{Namespace: "test", Logger: zap.New(core)})
	defer c.Close()

	var v string
	if c.Get(ctx, "k", &v) {
		t.Error("Get should miss")
	}
	if _, ok := c.GetRaw(ctx, "k"); ok {
		t.Error("GetRaw should miss")
	}
	c.Set(ctx, "k", "v", time.Minute, []string{"t"})
	if c.Delete(ctx, "k") {
		t.Error("Delete should report nothing removed")
	}
	if n := c.InvalidateByTags(ctx, []string{"t"}); n != 0 {
		t.Errorf("InvalidateByTags = %d, want 0", n)
	}
	if n := c.InvalidateByPattern(ctx, "*"); n != 0 {
		t.Errorf("InvalidateByPattern = %d, want 0", n)
	}
	if n := c.Clear(ctx); n != 0 {
		t.Errorf("Clear = %d, want 0", n)
	}
	if keys := c.KeysForTag(ctx, "t"); len(keys) != 0 {
		t.Errorf("KeysForTag = %v, want empty", keys)
	}
	if s := c.Stats(ctx); s.CacheSize != 0 || s.MemoryUsage != 0 || s.Misses != 2 {
		t.Errorf("unexpected stats %+v", s)
	}
	if h := c.Health(ctx, defaultThresholds()); h.Status != StatusCritical {
		t.Errorf("expected critical health, got %s", h.Status)
	}

	if logs.FilterMessage("cache operation failed, continuing without cache").Len() == 0 {
		t.Error("expected backend failures to be logged")
	}

	_, err := c.TryInvalidateByTags(ctx, []string{"t"})
	if !cerrors.IsKind(err, cerrors.KindInvalidationFailure) {
		t.Errorf("expected invalidation failure, got %v", err)
	}
	if !errors.Is(err, backendtest.ErrUnavailable) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t, Options{FlushEvery: 10})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "k" + string(rune('a'+i%5))
			c.Set(ctx, key, i, time.Minute, []string{"all"})
			var v int
			c.Get(ctx, key, &v)
			if i%7 == 0 {
				c.InvalidateByTags(ctx, []string{"all"})
			}
		}(i)
	}
	wg.Wait()

	if s := c.Stats(ctx); s.TotalOperations != 20 {
		t.Errorf("expected 20 operations, got %d", s.TotalOperations)
	}
}

func TestCacheKeyLayout(t *testing.T) {
	c, _, _ := newTestCache(t, Options{Namespace: "app"})
	if got := c.entryKey("q:1"); got != "app:entry:q:1" {
		t.Errorf("entryKey = %q", got)
	}
	if got := c.tagKey("users"); got != "app:tag:users" {
		t.Errorf("tagKey = %q", got)
	}
	if got := c.statsKey("i1"); got != "app:stats:i1" {
		t.Errorf("statsKey = %q", got)
	}
	if !strings.HasPrefix(c.entryPrefix(), "app:") {
		t.Errorf("entryPrefix = %q", c.entryPrefix())
	}
}

func TestNewGeneratesInstanceID(t *testing.T) {
	a := New(backend.NewMemoryBackend(10), Options{Logger: zap.NewNop()})
	b := New(backend.NewMemoryBackend(10), Options{Logger: zap.NewNop()})
	if a.InstanceID() == "" || a.InstanceID() == b.InstanceID() {
		t.Errorf("expected distinct generated instance ids, got %q and %q", a.InstanceID(), b.InstanceID())
	}
	if a.Namespace() != "tagcache" {
		t.Errorf("expected default namespace, got %q", a.Namespace())
	}
}

func TestCacheSpansAndMetrics(t *testing.T) {
	ctx := context.Background()
	exp := tracetest.NewInMemoryExporter()
	tracer, err := tracing.NewWithExporter(config.TracingConfig{}, sdktrace.WithSyncer(exp))
	if err != nil {
		t.Fatal(err)
	}
	defer tracer.Close(ctx)

	collector := metrics.NewCollector(prometheus.NewRegistry())
	c, _, _ := newTestCache(t, Options{Tracer: tracer, Metrics: collector})

	c.Set(ctx, "k", "v", time.Minute, []string{"t"})
	var v string
	c.Get(ctx, "k", &v)
	c.Get(ctx, "missing", &v)
	c.InvalidateByTags(ctx, []string{"t"})

	var names []string
	for _, s := range exp.GetSpans() {
		names = append(names, s.Name)
	}
	want := []string{"cache.set", "cache.get", "cache.get", "cache.invalidate_tags"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("spans = %v, want %v", names, want)
	}

	w := httptest.NewRecorder()
	collector.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()
	for _, line := range []string{
		"tagcache_hits_total 1",
		"tagcache_misses_total 1",
		"tagcache_sets_total 1",
		`tagcache_invalidated_keys_total{method="tags"} 1`,
	} {
		if !strings.Contains(body, line) {
			t.Errorf("expected %q in metrics output", line)
		}
	}
}
