package ratelimit

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/avakeys/internal/background"
	"github.com/vyrodovalexey/avakeys/internal/config"
	"github.com/vyrodovalexey/avakeys/internal/observability"
	"github.com/vyrodovalexey/avakeys/internal/ratelimit/counter"
)

// NewFromConfig builds the counter backend selected by cfg and a Limiter on
// top of it.
func NewFromConfig(
	ctx context.Context,
	cfg *config.RatelimitConfig,
	logger observability.Logger,
	scheduler background.Scheduler,
) (*Limiter, error) {
	backend, err := NewBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return New(backend,
		WithLogger(logger),
		WithScheduler(scheduler),
		WithActors(cfg.Actors),
		WithTimeout(cfg.Timeout.Duration()),
		WithBreaker(cfg.Breaker),
	), nil
}

// NewBackend creates the counter backend named by cfg.Backend.
func NewBackend(ctx context.Context, cfg *config.RatelimitConfig, logger observability.Logger) (counter.Backend, error) {
	switch cfg.Backend {
	case "", config.RatelimitBackendMemory:
		return counter.NewMemoryBackend(), nil
	case config.RatelimitBackendRedis:
		return counter.NewRedisBackend(ctx, counter.RedisConfig{
			URL:    cfg.RedisURL,
			Prefix: cfg.KeyPrefix,
			Logger: observability.Zap(logger).Named("ratelimit"),
		})
	default:
		return nil, fmt.Errorf("unsupported rate limit backend: %s", cfg.Backend)
	}
}
