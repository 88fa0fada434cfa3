package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

var validBackends = map[string]bool{
	"redis":  true,
	"memory": true,
}

var validLogLevels = map[string]bool{
	"": true, "debug": true, "info": true, "warn": true, "error": true,
}

var validPolicyKinds = map[string]bool{
	"": true, "read": true, "write": true,
}

var validPresets = map[string]bool{
	"": true, "short": true, "medium": true, "long": true, "time_sensitive": true, "entity": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecretRegistry(),
	}
}

// Secrets returns the registry used for ${scheme:ref} values, so callers can
// register extra providers before loading.
func (l *Loader) Secrets() *SecretRegistry {
	return l.secrets
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, fmt.Errorf("secret resolution failed: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	if !validBackends[cfg.Cache.Backend] {
		return fmt.Errorf("invalid cache backend: %s", cfg.Cache.Backend)
	}
	if cfg.Cache.Backend == "redis" && cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address is required for the redis backend")
	}
	if cfg.Cache.Namespace == "" {
		return fmt.Errorf("cache.namespace is required")
	}
	if strings.ContainsAny(cfg.Cache.Namespace, "*?[]") {
		return fmt.Errorf("cache.namespace must not contain glob characters: %s", cfg.Cache.Namespace)
	}
	if cfg.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}
	if cfg.Cache.OperationTimeout <= 0 || cfg.Cache.ScanTimeout <= 0 {
		return fmt.Errorf("cache.operation_timeout and cache.scan_timeout must be positive")
	}
	if cfg.Cache.ScanCount <= 0 {
		return fmt.Errorf("cache.scan_count must be positive")
	}
	if cfg.Cache.FlushEvery < 0 {
		return fmt.Errorf("cache.flush_every must not be negative")
	}

	if cfg.Breaker.Enabled && cfg.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive when the breaker is enabled")
	}

	if cfg.Invalidation.Async {
		if cfg.Invalidation.Workers <= 0 || cfg.Invalidation.QueueSize <= 0 {
			return fmt.Errorf("invalidation.workers and invalidation.queue_size must be positive")
		}
	}

	if cfg.Health.MinHitRate < 0 || cfg.Health.MinHitRate > 1 {
		return fmt.Errorf("health.min_hit_rate must be between 0 and 1")
	}

	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return validatePolicies(cfg.Policies)
}

// validatePolicies performs structural checks. Semantic checks (TTL, condition
// compilation) happen when policies are registered.
func validatePolicies(policies []PolicyConfig) error {
	names := make(map[string]bool, len(policies))
	for i, p := range policies {
		if p.Name == "" {
			return fmt.Errorf("policy %d: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate policy name: %s", p.Name)
		}
		names[p.Name] = true

		if !validPolicyKinds[p.Kind] {
			return fmt.Errorf("policy %s: invalid kind %q", p.Name, p.Kind)
		}
		if !validPresets[p.Preset] {
			return fmt.Errorf("policy %s: invalid preset %q", p.Name, p.Preset)
		}
		if p.Preset == "entity" && p.Entity == "" {
			return fmt.Errorf("policy %s: entity preset requires entity", p.Name)
		}
	}
	return nil
}
