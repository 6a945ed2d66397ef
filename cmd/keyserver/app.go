package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vyrodovalexey/avakeys/internal/analytics"
	"github.com/vyrodovalexey/avakeys/internal/background"
	"github.com/vyrodovalexey/avakeys/internal/cache"
	"github.com/vyrodovalexey/avakeys/internal/config"
	"github.com/vyrodovalexey/avakeys/internal/health"
	"github.com/vyrodovalexey/avakeys/internal/httpapi"
	"github.com/vyrodovalexey/avakeys/internal/keys"
	"github.com/vyrodovalexey/avakeys/internal/observability"
	"github.com/vyrodovalexey/avakeys/internal/ratelimit"
	"github.com/vyrodovalexey/avakeys/internal/store"
	"github.com/vyrodovalexey/avakeys/internal/usagelimit"
)

// healthCacheTTL bounds how often dependency pings run under probe load.
const healthCacheTTL = 5 * time.Second

// application holds all application components.
type application struct {
	config        *config.Config
	logger        observability.Logger
	tracer        *observability.Tracer
	metrics       *observability.Metrics
	metricsServer *http.Server
	health        *health.Handler
	store         store.Store
	redisTier     *cache.RedisTier
	cache         *cache.Tiered
	runner        *background.Runner
	ratelimiter   *ratelimit.Limiter
	emitter       *analytics.Emitter
	server        *httpapi.Server
}

// initApplication builds every component from cfg. Components created
// before a failure are released.
func initApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{config: cfg, logger: logger}
	if err := app.init(ctx); err != nil {
		if closeErr := app.close(ctx); closeErr != nil {
			logger.Warn("failed to release partially initialized components", observability.Error(closeErr))
		}
		return nil, err
	}

	logger.Info("application initialized")
	return app, nil
}

func (app *application) init(ctx context.Context) error {
	cfg := app.config
	logger := app.logger

	var err error

	app.tracer, err = initTracer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	app.metrics = observability.NewMetrics()
	app.metrics.SetBuildInfo(version, gitCommit, buildTime)
	registerMetrics(app.metrics)

	app.runner = background.NewRunner(
		background.WithLogger(logger),
		background.WithMaxConcurrent(cfg.Background.MaxConcurrent),
		background.WithTaskTimeout(cfg.Background.TaskTimeout.Duration()),
	)

	if app.store, err = initStore(ctx, &cfg.Store, logger); err != nil {
		return err
	}

	if err = app.initCache(); err != nil {
		return err
	}

	app.ratelimiter, err = ratelimit.NewFromConfig(ctx, &cfg.Ratelimit, logger, app.runner)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}

	usage := usagelimit.New(app.store,
		usagelimit.WithLogger(logger),
		usagelimit.WithScheduler(app.runner),
		usagelimit.WithShards(cfg.Usage.Actors),
		usagelimit.WithRevalidateInterval(cfg.Usage.RevalidateInterval.Duration()),
		usagelimit.WithIdleTTL(cfg.Usage.IdleTTL.Duration()),
	)

	sink, err := analytics.NewSink(ctx, &cfg.Analytics)
	if err != nil {
		return fmt.Errorf("failed to create analytics sink: %w", err)
	}
	app.emitter = analytics.NewEmitter(sink, app.runner, analytics.WithLogger(logger))

	svc := keys.NewService(keys.Deps{
		Cache:       app.cache,
		Store:       app.store,
		Ratelimiter: app.ratelimiter,
		Usage:       usage,
		Analytics:   app.emitter,
		Logger:      logger,
	})

	app.initHealth()

	app.server = httpapi.NewServer(cfg.Server, svc,
		httpapi.WithLogger(observability.Zap(logger)),
		httpapi.WithMetrics(app.metrics),
		httpapi.WithHealth(app.health),
	)

	if cfg.Metrics.Enabled {
		app.metricsServer = newMetricsServer(&cfg.Metrics, app.metrics)
	}

	return nil
}

// initTracer creates the tracer when tracing is enabled.
func initTracer(ctx context.Context, cfg *config.Config, logger observability.Logger) (*observability.Tracer, error) {
	tracer, err := observability.NewTracer(ctx, observability.TracerConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled",
			observability.String("endpoint", cfg.Tracing.OTLPEndpoint),
			observability.Float64("sampling_rate", cfg.Tracing.SamplingRate),
		)
	}
	return tracer, nil
}

// registerMetrics adds every component's collectors to the server registry.
func registerMetrics(m *observability.Metrics) {
	reg := m.Registry()
	cache.GetCacheMetrics().MustRegister(reg)
	keys.GetMetrics().MustRegister(reg)
	ratelimit.GetMetrics().MustRegister(reg)
	usagelimit.GetMetrics().MustRegister(reg)
	analytics.GetMetrics().MustRegister(reg)
	background.GetMetrics().MustRegister(reg)
	health.GetMetrics().MustRegister(reg)
	store.GetMetrics().MustRegister(reg)
}

// initStore opens the configured store. The memory store is populated from
// the optional seed file.
func initStore(ctx context.Context, cfg *config.StoreConfig, logger observability.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "", config.StoreDriverMemory:
		s := store.NewMemoryStore()
		if cfg.Seed == "" {
			logger.Warn("memory store has no seed file, every key will be unknown")
			return s, nil
		}
		f, err := os.Open(cfg.Seed)
		if err != nil {
			return nil, fmt.Errorf("failed to open seed file: %w", err)
		}
		defer func() { _ = f.Close() }()
		if err := s.LoadSeed(f); err != nil {
			return nil, fmt.Errorf("failed to load seed file: %w", err)
		}
		logger.Info("memory store seeded", observability.String("path", cfg.Seed))
		return s, nil
	default:
		s, err := store.OpenSQLStore(ctx, cfg, store.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return s, nil
	}
}

// initCache builds the tier chain: memory first, then Redis when enabled.
func (app *application) initCache() error {
	cfg := &app.config.Cache

	tiers := []cache.Tier{cache.NewMemoryTier(
		cache.WithMaxEntries(cfg.Memory.MaxEntries),
		cache.WithCleanupInterval(cfg.Memory.CleanupInterval.Duration()),
		cache.WithMemoryLogger(app.logger),
	)}

	if cfg.Redis != nil && cfg.Redis.Enabled {
		tier, err := cache.NewRedisTier(cfg.Redis, cache.WithRedisLogger(app.logger))
		if err != nil {
			return fmt.Errorf("failed to create redis cache tier: %w", err)
		}
		app.redisTier = tier
		tiers = append(tiers, tier)
	}

	app.cache = cache.NewTiered(tiers,
		cache.WithFreshness(cfg.Freshness.Duration()),
		cache.WithStaleness(cfg.Staleness.Duration()),
		cache.WithLoadTimeout(cfg.LoadTimeout.Duration()),
		cache.WithLogger(app.logger),
		cache.WithScheduler(app.runner),
	)
	return nil
}

// initHealth registers dependency checks. Only the store is critical: the
// cache and counters degrade to slower or fail-closed behaviour.
func (app *application) initHealth() {
	app.health = health.NewHandler(observability.Zap(app.logger), health.WithVersion(version))

	app.health.AddCheck(health.NewCachedCheck(
		health.PingCheck("store", health.DependencyDatabase, app.store), healthCacheTTL))

	if app.redisTier != nil {
		app.health.AddCheck(health.NewCachedCheck(
			health.PingCheck("cache_redis", health.DependencyCache, app.redisTier, health.WithCritical(false)),
			healthCacheTTL))
	}

	if app.config.Ratelimit.Backend == config.RatelimitBackendRedis {
		app.health.AddCheck(health.NewCachedCheck(
			health.PingCheck("ratelimit_redis", health.DependencyCounter, app.ratelimiter, health.WithCritical(false)),
			healthCacheTTL))
	}
}

func newMetricsServer(cfg *config.MetricsConfig, m *observability.Metrics) *http.Server {
	path := cfg.Path
	if path == "" {
		path = config.DefaultMetricsPath
	}
	addr := cfg.Address
	if addr == "" {
		addr = config.DefaultMetricsAddress
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// shutdown drains traffic, then stops components in dependency order:
// listeners, detached tasks, limiters, cache tiers, store and tracer.
func (app *application) shutdown(ctx context.Context) error {
	if app.health != nil {
		app.health.SetDraining(true)
		select {
		case <-time.After(drainDelay):
		case <-ctx.Done():
		}
	}

	var errs []error
	if app.server != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if app.metricsServer != nil {
		if err := app.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}

	if err := app.close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// close releases every component that was created. Pending background
// tasks are drained before the resources they use are closed.
func (app *application) close(ctx context.Context) error {
	var errs []error

	if app.runner != nil {
		if err := app.runner.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("background tasks: %w", err))
		}
	}
	if app.ratelimiter != nil {
		if err := app.ratelimiter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("rate limiter: %w", err))
		}
	}
	if app.emitter != nil {
		if err := app.emitter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("analytics: %w", err))
		}
	}
	if app.cache != nil {
		if err := app.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	} else if app.redisTier != nil {
		if err := app.redisTier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis cache: %w", err))
		}
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if app.tracer != nil {
		if err := app.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}

	return errors.Join(errs...)
}
