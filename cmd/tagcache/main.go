// Command tagcache runs the cache admin service over a shared Redis or
// in-memory backend. It exposes stats, invalidation, health and metrics.
//
// The binary does not compute query results itself. It registers no warm-up
// loader, so POST /cache/warmup answers 503, and the policies loaded from
// configuration are only listed by GET /cache/policies. Applications embed
// internal/cache and internal/policy to get a loader and an interceptor.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/tagcache/internal/config"
	"github.com/wudi/tagcache/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/tagcache.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tagcache %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		if err := validatePolicies(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid policies: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAgeDays: cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting tagcache",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("backend", cfg.Cache.Backend),
		zap.String("namespace", cfg.Cache.Namespace),
		zap.Int("policies", len(cfg.Policies)),
	)

	app, err := newApp(cfg, *configPath)
	if err != nil {
		logging.Error("Failed to start tagcache", zap.Error(err))
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
