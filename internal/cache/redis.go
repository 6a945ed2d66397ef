package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avakeys/internal/config"
	"github.com/vyrodovalexey/avakeys/internal/observability"
	"github.com/vyrodovalexey/avakeys/internal/retry"
)

// DefaultRedisKeyPrefix is used when no prefix is configured.
const DefaultRedisKeyPrefix = "keyserver:"

// redisRetryConfig keeps retries inside the verification latency budget.
func redisRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:     1,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		JitterFactor:   retry.DefaultJitterFactor,
	}
}

// isRetryableRedisError reports whether err is worth another attempt.
func isRetryableRedisError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return true
}

// RedisTier is the remote edge tier. Entries are stored as JSON with a Redis
// TTL equal to the remaining staleness window.
type RedisTier struct {
	logger    observability.Logger
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
	ttlJitter float64
	now       Clock
	breaker   *gobreaker.CircuitBreaker
}

var _ Tier = (*RedisTier)(nil)

// RedisOption configures a RedisTier.
type RedisOption func(*RedisTier)

// WithRedisLogger sets the logger.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(r *RedisTier) {
		r.logger = logger
	}
}

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisTier) {
		if prefix != "" {
			r.keyPrefix = prefix
		}
	}
}

// WithTTLJitter spreads expirations by up to +/- factor of the TTL.
func WithTTLJitter(factor float64) RedisOption {
	return func(r *RedisTier) {
		r.ttlJitter = factor
	}
}

// WithRedisClock overrides the clock used to compute TTLs and expiry.
func WithRedisClock(now Clock) RedisOption {
	return func(r *RedisTier) {
		r.now = now
	}
}

// NewRedisTier connects to Redis using cfg and verifies the connection.
func NewRedisTier(cfg *config.RedisCacheConfig, opts ...RedisOption) (*RedisTier, error) {
	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		redisOpts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		redisOpts.DialTimeout = cfg.DialTimeout.Duration()
	}
	if cfg.ReadTimeout > 0 {
		redisOpts.ReadTimeout = cfg.ReadTimeout.Duration()
	}
	if cfg.WriteTimeout > 0 {
		redisOpts.WriteTimeout = cfg.WriteTimeout.Duration()
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	opts = append([]RedisOption{WithKeyPrefix(cfg.KeyPrefix), WithTTLJitter(cfg.TTLJitter)}, opts...)
	t := NewRedisTierFromClient(client, opts...)
	t.ownClient = true

	t.logger.Info("redis cache tier initialized",
		observability.String("keyPrefix", t.keyPrefix),
		observability.Float64("ttlJitter", t.ttlJitter))

	return t, nil
}

// NewRedisTierFromClient wraps an existing client. The client is not closed
// by Close.
func NewRedisTierFromClient(client redis.UniversalClient, opts ...RedisOption) *RedisTier {
	t := &RedisTier{
		logger:    observability.NopLogger(),
		client:    client,
		keyPrefix: DefaultRedisKeyPrefix,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cache-redis",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("cache circuit breaker state changed",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()))
		},
	})

	return t
}

// Name implements Tier.
func (r *RedisTier) Name() string { return TierRedis }

func (r *RedisTier) resolveKey(namespace, key string) string {
	return r.keyPrefix + storageKey(namespace, key)
}

func (r *RedisTier) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, redisRetryConfig(), func(ctx context.Context) error {
		_, err := r.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		return err
	}, &retry.Options{
		ShouldRetry: isRetryableRedisError,
		OnRetry: func(attempt int, err error, _ time.Duration) {
			r.logger.Debug("retrying redis cache operation",
				observability.String("op", op),
				observability.Int("attempt", attempt),
				observability.Error(err))
		},
	})
}

func (r *RedisTier) fail(span trace.Span, op string, err error) error {
	GetCacheMetrics().tierErrorsTotal.WithLabelValues(TierRedis, op).Inc()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	return &TierError{Tier: TierRedis, Op: op, Err: err}
}

// Get implements Tier.
func (r *RedisTier) Get(ctx context.Context, namespace, key string) (Entry, bool, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.redis.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("cache.namespace", namespace)),
	)
	defer span.End()

	fullKey := r.resolveKey(namespace, key)

	var raw []byte
	err := r.do(ctx, "get", func(ctx context.Context) error {
		val, err := r.client.Get(ctx, fullKey).Bytes()
		if err != nil {
			return err
		}
		raw = val
		return nil
	})
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, r.fail(span, "get", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, r.fail(span, "get", fmt.Errorf("%w: %w", ErrCorruptEntry, err))
	}

	if entry.Classify(r.now()) == Expired {
		// Redis TTL normally evicts first; clock skew can leave a window.
		_ = r.client.Del(ctx, fullKey).Err()
		GetCacheMetrics().evictionsTotal.WithLabelValues(TierRedis, "expired").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return Entry{}, false, nil
	}

	span.SetAttributes(attribute.Bool("cache.hit", true))
	return entry, true, nil
}

// Set implements Tier.
func (r *RedisTier) Set(ctx context.Context, namespace, key string, entry Entry) error {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.redis.Set",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.namespace", namespace),
			attribute.Int("cache.value_size", len(entry.Value)),
		),
	)
	defer span.End()

	ttl := entry.TTL(r.now())
	if ttl <= 0 {
		return nil
	}
	ttl = applyTTLJitter(ttl, r.ttlJitter)

	data, err := json.Marshal(entry)
	if err != nil {
		return r.fail(span, "set", err)
	}

	fullKey := r.resolveKey(namespace, key)
	if err := r.do(ctx, "set", func(ctx context.Context) error {
		return r.client.Set(ctx, fullKey, data, ttl).Err()
	}); err != nil {
		return r.fail(span, "set", err)
	}
	return nil
}

// Remove implements Tier.
func (r *RedisTier) Remove(ctx context.Context, namespace, key string) error {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.redis.Remove",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("cache.namespace", namespace)),
	)
	defer span.End()

	fullKey := r.resolveKey(namespace, key)
	if err := r.do(ctx, "remove", func(ctx context.Context) error {
		return r.client.Del(ctx, fullKey).Err()
	}); err != nil {
		return r.fail(span, "remove", err)
	}
	return nil
}

// Ping checks connectivity; used by readiness checks.
func (r *RedisTier) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client when the tier created it.
func (r *RedisTier) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}

// applyTTLJitter varies ttl by up to +/- jitterFactor and never returns a
// non-positive duration.
func applyTTLJitter(ttl time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || ttl <= 0 {
		return ttl
	}
	if jitterFactor > 1.0 {
		jitterFactor = 1.0
	}
	//nolint:gosec // G404: TTL jitter does not need cryptographic randomness
	jitter := time.Duration(float64(ttl) * jitterFactor * (2*rand.Float64() - 1))
	if result := ttl + jitter; result > 0 {
		return result
	}
	return ttl
}
