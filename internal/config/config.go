package config

import "time"

// Default configuration values.
const (
	DefaultServerAddress   = ":8080"
	DefaultMetricsAddress  = ":9090"
	DefaultMetricsPath     = "/metrics"
	DefaultReadTimeout     = 5 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxBodyBytes    = 1 << 20
	DefaultIPHeader        = "X-Forwarded-For"
	DefaultRegionHeader    = "X-Edge-Region"

	DefaultCacheFreshness   = time.Minute
	DefaultCacheStaleness   = 24 * time.Hour
	DefaultCacheLoadTimeout = 2 * time.Second
	DefaultMemoryMaxEntries = 100000
	DefaultCleanupInterval  = time.Minute
	DefaultRedisKeyPrefix   = "keyserver:"

	DefaultStoreQueryTimeout = 2 * time.Second

	DefaultRatelimitActors = 64
	DefaultUsageActors     = 64
	DefaultRevalidate      = 60 * time.Second

	DefaultBackgroundConcurrency = 256
	DefaultBackgroundTaskTimeout = 10 * time.Second

	DefaultAnalyticsStream = "analytics"
	DefaultAnalyticsMaxLen = 100000
)

// Store drivers.
const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite3"
)

// Ratelimit backends.
const (
	RatelimitBackendMemory = "memory"
	RatelimitBackendRedis  = "redis"
)

// Analytics sinks.
const (
	AnalyticsSinkStdout = "stdout"
	AnalyticsSinkRedis  = "redis"
	AnalyticsSinkNone   = "none"
)

// Config is the root configuration of the key server.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Ratelimit  RatelimitConfig  `yaml:"ratelimit" json:"ratelimit"`
	Usage      UsageConfig      `yaml:"usage" json:"usage"`
	Analytics  AnalyticsConfig  `yaml:"analytics" json:"analytics"`
	Background BackgroundConfig `yaml:"background" json:"background"`
}

// ServerConfig configures the public HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address"`
	ReadTimeout     Duration      `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout    Duration      `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	IdleTimeout     Duration      `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
	ShutdownTimeout Duration      `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes,omitempty" json:"maxBodyBytes,omitempty"`
	IPHeader        string        `yaml:"ipHeader,omitempty" json:"ipHeader,omitempty"`
	RegionHeader    string        `yaml:"regionHeader,omitempty" json:"regionHeader,omitempty"`
	AdminToken      string        `yaml:"adminToken,omitempty" json:"-"`
	Ingress         IngressConfig `yaml:"ingress,omitempty" json:"ingress,omitempty"`
}

// IngressConfig configures the per-client ingress limiter in front of all routes.
type IngressConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int      `yaml:"burst" json:"burst"`
	ClientTTL         Duration `yaml:"clientTTL,omitempty" json:"clientTTL,omitempty"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Path    string `yaml:"path" json:"path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
}

// CacheConfig configures the tiered verification cache.
type CacheConfig struct {
	Freshness   Duration          `yaml:"freshness" json:"freshness"`
	Staleness   Duration          `yaml:"staleness" json:"staleness"`
	LoadTimeout Duration          `yaml:"loadTimeout" json:"loadTimeout"`
	Memory      MemoryCacheConfig `yaml:"memory" json:"memory"`
	Redis       *RedisCacheConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// MemoryCacheConfig configures the in-process tier.
type MemoryCacheConfig struct {
	MaxEntries      int      `yaml:"maxEntries" json:"maxEntries"`
	CleanupInterval Duration `yaml:"cleanupInterval" json:"cleanupInterval"`
}

// RedisCacheConfig configures the remote edge tier.
type RedisCacheConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	URL          string   `yaml:"url" json:"url"`
	KeyPrefix    string   `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`
	PoolSize     int      `yaml:"poolSize,omitempty" json:"poolSize,omitempty"`
	DialTimeout  Duration `yaml:"dialTimeout,omitempty" json:"dialTimeout,omitempty"`
	ReadTimeout  Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	TTLJitter    float64  `yaml:"ttlJitter,omitempty" json:"ttlJitter,omitempty"`
}

// StoreConfig configures the durable key store.
type StoreConfig struct {
	Driver          string   `yaml:"driver" json:"driver"`
	DSN             string   `yaml:"dsn,omitempty" json:"-"`
	Seed            string   `yaml:"seed,omitempty" json:"seed,omitempty"`
	MaxOpenConns    int      `yaml:"maxOpenConns,omitempty" json:"maxOpenConns,omitempty"`
	MaxIdleConns    int      `yaml:"maxIdleConns,omitempty" json:"maxIdleConns,omitempty"`
	ConnMaxLifetime Duration `yaml:"connMaxLifetime,omitempty" json:"connMaxLifetime,omitempty"`
	QueryTimeout    Duration `yaml:"queryTimeout,omitempty" json:"queryTimeout,omitempty"`
}

// RatelimitConfig configures the rate limiter coordinator.
type RatelimitConfig struct {
	Backend   string        `yaml:"backend" json:"backend"`
	RedisURL  string        `yaml:"redisUrl,omitempty" json:"redisUrl,omitempty"`
	KeyPrefix string        `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`
	Actors    int           `yaml:"actors,omitempty" json:"actors,omitempty"`
	Timeout   Duration      `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Breaker   BreakerConfig `yaml:"breaker,omitempty" json:"breaker,omitempty"`
}

// BreakerConfig configures the circuit breaker in front of a remote counter store.
type BreakerConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	FailureThreshold uint32   `yaml:"failureThreshold,omitempty" json:"failureThreshold,omitempty"`
	MaxRequests      uint32   `yaml:"maxRequests,omitempty" json:"maxRequests,omitempty"`
	Interval         Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout          Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// UsageConfig configures the usage limiter.
type UsageConfig struct {
	Actors             int      `yaml:"actors,omitempty" json:"actors,omitempty"`
	RevalidateInterval Duration `yaml:"revalidateInterval,omitempty" json:"revalidateInterval,omitempty"`
	IdleTTL            Duration `yaml:"idleTTL,omitempty" json:"idleTTL,omitempty"`
}

// AnalyticsConfig configures where verification events go.
type AnalyticsConfig struct {
	Sink     string `yaml:"sink" json:"sink"`
	RedisURL string `yaml:"redisUrl,omitempty" json:"redisUrl,omitempty"`
	Stream   string `yaml:"stream,omitempty" json:"stream,omitempty"`
	MaxLen   int64  `yaml:"maxLen,omitempty" json:"maxLen,omitempty"`
}

// BackgroundConfig configures the detached task runner.
type BackgroundConfig struct {
	MaxConcurrent int64    `yaml:"maxConcurrent,omitempty" json:"maxConcurrent,omitempty"`
	TaskTimeout   Duration `yaml:"taskTimeout,omitempty" json:"taskTimeout,omitempty"`
}

// DefaultConfig returns a configuration that runs fully in memory.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         DefaultServerAddress,
			ReadTimeout:     Duration(DefaultReadTimeout),
			WriteTimeout:    Duration(DefaultWriteTimeout),
			IdleTimeout:     Duration(DefaultIdleTimeout),
			ShutdownTimeout: Duration(DefaultShutdownTimeout),
			MaxBodyBytes:    DefaultMaxBodyBytes,
			IPHeader:        DefaultIPHeader,
			RegionHeader:    DefaultRegionHeader,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: DefaultMetricsAddress,
			Path:    DefaultMetricsPath,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			SamplingRate: 0.1,
			ServiceName:  "keyserver",
		},
		Cache: CacheConfig{
			Freshness:   Duration(DefaultCacheFreshness),
			Staleness:   Duration(DefaultCacheStaleness),
			LoadTimeout: Duration(DefaultCacheLoadTimeout),
			Memory: MemoryCacheConfig{
				MaxEntries:      DefaultMemoryMaxEntries,
				CleanupInterval: Duration(DefaultCleanupInterval),
			},
		},
		Store: StoreConfig{
			Driver:       StoreDriverMemory,
			QueryTimeout: Duration(DefaultStoreQueryTimeout),
		},
		Ratelimit: RatelimitConfig{
			Backend: RatelimitBackendMemory,
			Actors:  DefaultRatelimitActors,
		},
		Usage: UsageConfig{
			Actors:             DefaultUsageActors,
			RevalidateInterval: Duration(DefaultRevalidate),
		},
		Analytics: AnalyticsConfig{
			Sink:   AnalyticsSinkStdout,
			Stream: DefaultAnalyticsStream,
			MaxLen: DefaultAnalyticsMaxLen,
		},
		Background: BackgroundConfig{
			MaxConcurrent: DefaultBackgroundConcurrency,
			TaskTimeout:   Duration(DefaultBackgroundTaskTimeout),
		},
	}
}
