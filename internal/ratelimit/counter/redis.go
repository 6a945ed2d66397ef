package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avakeys/internal/retry"
)

// DefaultRedisPrefix namespaces counter keys in a shared Redis.
const DefaultRedisPrefix = "keyserver:ratelimit:"

// takeScript applies cost atomically when it fits under the limit and sets
// the window expiry on the first increment.
//
// KEYS[1] counter key, ARGV[1] cost, ARGV[2] limit, ARGV[3] ttl in ms.
// Returns {applied, current}.
var takeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if current + cost > limit then
  return {0, current}
end
if cost == 0 then
  return {1, current}
end
current = redis.call('INCRBY', KEYS[1], cost)
if current == cost then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return {1, current}
`)

// RedisConfig configures a RedisBackend.
type RedisConfig struct {
	URL               string
	Prefix            string
	ConnectionRetries int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Logger            *zap.Logger
}

// RedisBackend keeps counters in Redis so every instance shares them.
type RedisBackend struct {
	client    redis.UniversalClient
	ownClient bool
	prefix    string
	logger    *zap.Logger
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend connects to Redis, retrying with backoff until ctx ends
// or the retries run out.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(opts)

	retryCfg := &retry.Config{
		MaxRetries:     cfg.ConnectionRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		JitterFactor:   retry.DefaultJitterFactor,
	}
	if retryCfg.MaxRetries <= 0 {
		retryCfg.MaxRetries = 5
	}
	if retryCfg.InitialBackoff <= 0 {
		retryCfg.InitialBackoff = 100 * time.Millisecond
	}
	if retryCfg.MaxBackoff <= 0 {
		retryCfg.MaxBackoff = 10 * time.Second
	}

	err = retry.Do(ctx, retryCfg, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout+time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, &retry.Options{
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			logger.Debug("redis counter connection failed, retrying",
				zap.String("address", opts.Addr),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
		},
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	b := NewRedisBackendFromClient(client, cfg.Prefix, logger)
	b.ownClient = true

	logger.Info("redis counter backend connected", zap.String("address", opts.Addr))
	return b, nil
}

// NewRedisBackendFromClient wraps an existing client. The client is not
// closed by Close.
func NewRedisBackendFromClient(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Take implements Backend.
func (r *RedisBackend) Take(ctx context.Context, key string, cost, limit int64, ttl time.Duration) (bool, int64, error) {
	ttlMs := max(ttl.Milliseconds(), 1)

	res, err := takeScript.Run(ctx, r.client, []string{r.prefix + key}, cost, limit, ttlMs).Int64Slice()
	if err != nil {
		r.logger.Debug("counter take failed", zap.String("key", key), zap.Error(err))
		return false, 0, fmt.Errorf("take %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("take %s: unexpected script result %v", key, res)
	}
	return res[0] == 1, res[1], nil
}

// Get implements Backend.
func (r *RedisBackend) Get(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// Close closes the client when the backend created it.
func (r *RedisBackend) Close() error {
	if !r.ownClient {
		return nil
	}
	return r.client.Close()
}

// Ping checks that Redis answers.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
