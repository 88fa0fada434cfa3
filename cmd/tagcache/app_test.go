package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/tagcache/internal/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Cache.Backend = "memory"
	cfg.Invalidation.Async = true
	cfg.Policies = []config.PolicyConfig{
		{Name: "users.list", Preset: "medium", Tags: []string{"users"}},
		{Name: "users.update", Kind: "write", Tags: []string{"users"}},
	}
	return cfg
}

func TestNewAppMemoryBackend(t *testing.T) {
	a, err := newApp(testConfig(), "")
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.shutdown()

	if a.redis != nil {
		t.Error("memory backend must not open a redis client")
	}
	if a.dispatcher == nil {
		t.Error("expected async dispatcher")
	}
	if names := a.registry.Names(); len(names) != 2 {
		t.Errorf("expected 2 policies, got %v", names)
	}

	a.cache.Set(context.Background(), "k", 1, time.Minute, []string{"users"})
	rec := httptest.NewRecorder()
	a.admin.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cache/stats", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 from admin handler, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	a.admin.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected metrics endpoint, got %d", rec.Code)
	}
}

func TestNewAppAdminSurface(t *testing.T) {
	a, err := newApp(testConfig(), "")
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.shutdown()
	h := a.admin.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cache/warmup",
		strings.NewReader(`{"queries":[{"identifier":"SELECT 1"}]}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a loader, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cache/policies", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"users.update"`) {
		t.Errorf("expected configured policies, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestNewAppRejectsBadPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Policies = append(cfg.Policies, config.PolicyConfig{Name: "broken", Preset: "short", Condition: "args["})
	if _, err := newApp(cfg, ""); err == nil {
		t.Fatal("expected policy load error")
	}
	if err := validatePolicies(cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestApplyConfig(t *testing.T) {
	a, err := newApp(testConfig(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer a.shutdown()

	next := testConfig()
	next.Health.MaxKeys = 1
	a.cache.Set(context.Background(), "a", 1, time.Minute, nil)
	a.cache.Set(context.Background(), "b", 1, time.Minute, nil)
	a.applyConfig(next)

	rec := httptest.NewRecorder()
	a.admin.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cache/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"status":"warning"`) {
		t.Errorf("expected new thresholds to apply, got %s", body)
	}
}
