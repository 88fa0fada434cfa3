package config

import "time"

// Config is the root configuration for the tagcache service.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Redis        RedisConfig        `yaml:"redis"`
	Cache        CacheConfig        `yaml:"cache"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
	Admin        AdminConfig        `yaml:"admin"`
	Health       HealthConfig       `yaml:"health"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Policies     []PolicyConfig     `yaml:"policies"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // stdout, stderr or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`
}

// RedisConfig defines Redis connection settings.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password" redact:"true"`
	DB          int           `yaml:"db"`
	TLS         bool          `yaml:"tls"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// CacheConfig defines the cache core, tag index and stats behaviour.
type CacheConfig struct {
	Backend             string        `yaml:"backend"` // "redis" (default) or "memory"
	Namespace           string        `yaml:"namespace"`
	InstanceID          string        `yaml:"instance_id"` // generated when empty
	DefaultTTL          time.Duration `yaml:"default_ttl"`
	OperationTimeout    time.Duration `yaml:"operation_timeout"`
	ScanTimeout         time.Duration `yaml:"scan_timeout"`
	ScanCount           int64         `yaml:"scan_count"`
	FlushEvery          int64         `yaml:"flush_every"`
	StatsTTL            time.Duration `yaml:"stats_ttl"`
	MaxIdentifierLength int           `yaml:"max_identifier_length"`
	WritePrefixes       []string      `yaml:"write_prefixes"` // extra write-shaped prefixes
	MemoryMaxEntries    int           `yaml:"memory_max_entries"`
	WarmupConcurrency   int           `yaml:"warmup_concurrency"`
}

// BreakerConfig defines the circuit breaker around the backend.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
}

// InvalidationConfig defines asynchronous invalidation dispatch.
type InvalidationConfig struct {
	Async      bool          `yaml:"async"`
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// AdminConfig defines the administrative HTTP surface.
type AdminConfig struct {
	Address          string        `yaml:"address"`
	PatternRateLimit float64       `yaml:"pattern_rate_limit"` // pattern invalidations per second
	Metrics          MetricsConfig `yaml:"metrics"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HealthConfig holds the thresholds used by the health endpoint.
type HealthConfig struct {
	MinHitRate     float64 `yaml:"min_hit_rate"`
	MinOperations  int64   `yaml:"min_operations"`
	MaxMemoryBytes int64   `yaml:"max_memory_bytes"`
	MaxKeys        int64   `yaml:"max_keys"`
}

// TracingConfig defines OpenTelemetry export settings.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers" redact:"true"`
}

// PolicyConfig declares a cache or invalidation policy for a named operation.
type PolicyConfig struct {
	Name      string        `yaml:"name"`
	Kind      string        `yaml:"kind"`   // "read" (default) or "write"
	Preset    string        `yaml:"preset"` // short, medium, long, time_sensitive, entity
	TTL       time.Duration `yaml:"ttl"`
	Tags      []string      `yaml:"tags"`
	Condition string        `yaml:"condition"` // expr-lang boolean over args and name
	Entity    string        `yaml:"entity"`    // entity preset: entity type
	IDArg     int           `yaml:"id_arg"`    // entity preset: index of the id argument
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Redis: RedisConfig{
			Address:     "localhost:6379",
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			Backend:             "redis",
			Namespace:           "tagcache",
			DefaultTTL:          5 * time.Minute,
			OperationTimeout:    100 * time.Millisecond,
			ScanTimeout:         5 * time.Second,
			ScanCount:           100,
			FlushEvery:          100,
			StatsTTL:            time.Hour,
			MaxIdentifierLength: 10000,
			MemoryMaxEntries:    10000,
			WarmupConcurrency:   4,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			HalfOpenRequests: 1,
		},
		Invalidation: InvalidationConfig{
			Workers:    4,
			QueueSize:  1000,
			MaxRetries: 3,
			Backoff:    100 * time.Millisecond,
			MaxBackoff: 2 * time.Second,
		},
		Admin: AdminConfig{
			Address:          ":8081",
			PatternRateLimit: 1,
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Health: HealthConfig{
			MinHitRate:     0.5,
			MinOperations:  100,
			MaxMemoryBytes: 512 << 20,
			MaxKeys:        100000,
		},
		Tracing: TracingConfig{
			ServiceName: "tagcache",
			SampleRate:  1.0,
		},
	}
}
