// Package main is the entry point for the key verification server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avakeys/internal/config"
	"github.com/vyrodovalexey/avakeys/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)

	ctx := context.Background()
	app, err := initApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", observability.Error(err))
	}

	runServer(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("KEYSERVER_CONFIG_PATH", ""),
		"Path to configuration file (empty runs with in-memory defaults)")
	logLevel := flag.String("log-level", getEnvOrDefault("KEYSERVER_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("KEYSERVER_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

func printVersion() {
	fmt.Printf("keyserver version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger from flags. The configuration file may
// later change the level.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting keyserver",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	if err := config.ValidateConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	if cfg.Logging.Level != "" {
		if _, err := observability.SetLevel(logger, cfg.Logging.Level); err != nil {
			logger.Warn("ignoring configured log level", observability.Error(err))
		}
	}

	logger.Info("configuration loaded",
		observability.String("store", cfg.Store.Driver),
		observability.String("ratelimit_backend", cfg.Ratelimit.Backend),
		observability.String("analytics_sink", cfg.Analytics.Sink),
		observability.Bool("redis_cache", cfg.Cache.Redis != nil && cfg.Cache.Redis.Enabled),
	)

	if cfg.Server.AdminToken == "" {
		logger.Warn("server.adminToken is empty, the invalidation endpoint is unauthenticated")
	}

	return cfg
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

// runServer starts every listener and blocks until shutdown.
func runServer(app *application, configPath string, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if app.metricsServer != nil {
		startMetricsServer(app.metricsServer, logger)
	}

	watcher := startConfigWatcher(ctx, configPath, logger)

	go func() {
		if err := app.server.ListenAndServe(); err != nil {
			logger.Fatal("key server failed", observability.Error(err))
		}
	}()

	waitForShutdown(app, watcher, logger)
}

func startMetricsServer(srv *http.Server, logger observability.Logger) {
	go func() {
		logger.Info("starting metrics server", observability.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", observability.Error(err))
		}
	}()
}

// startConfigWatcher watches the configuration file and applies the
// settings that can change at runtime.
func startConfigWatcher(ctx context.Context, configPath string, logger observability.Logger) *config.Watcher {
	if configPath == "" {
		return nil
	}

	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		reloadConfig(newCfg, logger)
	}, config.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Error("failed to start config watcher", observability.Error(err))
		return nil
	}

	return watcher
}

// reloadConfig applies a reloaded configuration. Only the log level is
// picked up; other changes need a restart.
func reloadConfig(cfg *config.Config, logger observability.Logger) {
	changed, err := observability.SetLevel(logger, cfg.Logging.Level)
	if err != nil {
		logger.Warn("ignoring reloaded log level", observability.Error(err))
		return
	}
	if changed {
		logger.Info("log level changed", observability.String("level", cfg.Logging.Level))
	}
	logger.Info("configuration reloaded, restart to apply settings other than the log level")
}

func waitForShutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	timeout := app.config.Server.ShutdownTimeout.OrDefault(config.DefaultShutdownTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error("failed to stop config watcher", observability.Error(err))
		}
	}

	if err := app.shutdown(ctx); err != nil {
		logger.Error("shutdown finished with errors", observability.Error(err))
	}

	logger.Info("keyserver stopped")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// drainDelay gives load balancers time to observe a failing readiness probe
// before listeners close.
const drainDelay = 2 * time.Second
