package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoaderParse(t *testing.T) {
	yaml := `
logging:
  level: debug

redis:
  address: "redis.internal:6380"
  db: 2

cache:
  namespace: reviews
  default_ttl: 10m
  flush_every: 50

policies:
  - name: GetUser
    preset: entity
    entity: user
    id_arg: 0
  - name: ListReviews
    ttl: 2m
    tags: [reviews]
    condition: "len(args) > 0"
  - name: UpdateUser
    kind: write
    tags: [users]
`

	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Redis.Address != "redis.internal:6380" || cfg.Redis.DB != 2 {
		t.Errorf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Cache.Namespace != "reviews" {
		t.Errorf("expected namespace reviews, got %s", cfg.Cache.Namespace)
	}
	if cfg.Cache.DefaultTTL != 10*time.Minute {
		t.Errorf("expected default_ttl 10m, got %v", cfg.Cache.DefaultTTL)
	}
	if cfg.Cache.FlushEvery != 50 {
		t.Errorf("expected flush_every 50, got %d", cfg.Cache.FlushEvery)
	}
	// untouched defaults survive
	if cfg.Cache.OperationTimeout != 100*time.Millisecond {
		t.Errorf("expected default operation_timeout, got %v", cfg.Cache.OperationTimeout)
	}

	if len(cfg.Policies) != 3 {
		t.Fatalf("expected 3 policies, got %d", len(cfg.Policies))
	}
	if cfg.Policies[1].TTL != 2*time.Minute {
		t.Errorf("expected ListReviews ttl 2m, got %v", cfg.Policies[1].TTL)
	}
	if cfg.Policies[2].Kind != "write" {
		t.Errorf("expected UpdateUser kind write, got %s", cfg.Policies[2].Kind)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "10.0.0.5:6379")

	yaml := `
redis:
  address: ${TEST_REDIS_ADDR}
  password: ${TEST_UNSET_VAR_TAGCACHE}
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Redis.Address != "10.0.0.5:6379" {
		t.Errorf("expected expanded address, got %s", cfg.Redis.Address)
	}
	if cfg.Redis.Password != "${TEST_UNSET_VAR_TAGCACHE}" {
		t.Errorf("expected unset var to be kept, got %s", cfg.Redis.Password)
	}
}

func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad backend", "cache:\n  backend: memcached\n", "invalid cache backend"},
		{"bad level", "logging:\n  level: verbose\n", "invalid logging level"},
		{"glob namespace", "cache:\n  namespace: \"a*\"\n", "glob characters"},
		{"zero ttl", "cache:\n  default_ttl: 0s\n", "default_ttl"},
		{"hit rate range", "health:\n  min_hit_rate: 1.5\n", "min_hit_rate"},
		{"policy without name", "policies:\n  - ttl: 1m\n", "name is required"},
		{"duplicate policy", "policies:\n  - name: A\n  - name: A\n", "duplicate policy"},
		{"bad kind", "policies:\n  - name: A\n    kind: delete\n", "invalid kind"},
		{"bad preset", "policies:\n  - name: A\n    preset: forever\n", "invalid preset"},
		{"entity without type", "policies:\n  - name: A\n    preset: entity\n", "requires entity"},
		{
			"async without workers",
			"invalidation:\n  async: true\n  workers: 0\n",
			"invalidation.workers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoaderLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tagcache.yaml")
	if err := os.WriteFile(path, []byte("cache:\n  backend: memory\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("expected memory backend, got %s", cfg.Cache.Backend)
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tagcache.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()
	w.SetDebounce(10 * time.Millisecond)

	changed := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if cfg.Logging.Level != "warn" {
			t.Errorf("expected reloaded level warn, got %s", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	if w.GetConfig().Logging.Level != "warn" {
		t.Errorf("GetConfig should return the reloaded config")
	}
}
