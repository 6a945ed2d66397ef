package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates key server configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// ValidateConfig validates a key server configuration.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&cfg.Server)
	v.validateLogging(&cfg.Logging)
	v.validateTracing(&cfg.Tracing)
	v.validateCache(&cfg.Cache)
	v.validateStore(&cfg.Store)
	v.validateRatelimit(&cfg.Ratelimit)
	v.validateAnalytics(&cfg.Analytics)

	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		v.addError("metrics.address", "address is required when metrics are enabled")
	}
	if cfg.Usage.Actors < 0 {
		v.addError("usage.actors", "must not be negative")
	}
	if cfg.Background.MaxConcurrent < 0 {
		v.addError("background.maxConcurrent", "must not be negative")
	}

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServer(s *ServerConfig) {
	if s.Address == "" {
		v.addError("server.address", "address is required")
	}
	if s.MaxBodyBytes < 0 {
		v.addError("server.maxBodyBytes", "must not be negative")
	}
	if s.Ingress.Enabled {
		if s.Ingress.RequestsPerSecond <= 0 {
			v.addError("server.ingress.requestsPerSecond", "must be positive when ingress limiting is enabled")
		}
		if s.Ingress.Burst <= 0 {
			v.addError("server.ingress.burst", "must be positive when ingress limiting is enabled")
		}
	}
}

func (v *Validator) validateLogging(l *LoggingConfig) {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", fmt.Sprintf("unsupported level %q", l.Level))
	}
	switch l.Format {
	case "", "json", "console":
	default:
		v.addError("logging.format", fmt.Sprintf("unsupported format %q", l.Format))
	}
}

func (v *Validator) validateTracing(t *TracingConfig) {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "must be between 0 and 1")
	}
}

func (v *Validator) validateCache(c *CacheConfig) {
	if c.Freshness < 0 {
		v.addError("cache.freshness", "must not be negative")
	}
	if c.Staleness < 0 {
		v.addError("cache.staleness", "must not be negative")
	}
	if c.Freshness > 0 && c.Staleness > 0 && c.Freshness > c.Staleness {
		v.addError("cache.freshness", "must not exceed cache.staleness")
	}
	if c.Memory.MaxEntries < 0 {
		v.addError("cache.memory.maxEntries", "must not be negative")
	}
	if c.Redis != nil && c.Redis.Enabled {
		if c.Redis.URL == "" {
			v.addError("cache.redis.url", "url is required when the redis tier is enabled")
		}
		if c.Redis.TTLJitter < 0 || c.Redis.TTLJitter > 1 {
			v.addError("cache.redis.ttlJitter", "must be between 0 and 1")
		}
	}
}

func (v *Validator) validateStore(s *StoreConfig) {
	switch s.Driver {
	case StoreDriverMemory:
	case StoreDriverPostgres, StoreDriverSQLite:
		if s.DSN == "" {
			v.addError("store.dsn", fmt.Sprintf("dsn is required for driver %q", s.Driver))
		}
	default:
		v.addError("store.driver", fmt.Sprintf("unsupported driver %q", s.Driver))
	}
}

func (v *Validator) validateRatelimit(r *RatelimitConfig) {
	switch r.Backend {
	case RatelimitBackendMemory:
	case RatelimitBackendRedis:
		if r.RedisURL == "" {
			v.addError("ratelimit.redisUrl", "redisUrl is required for the redis backend")
		}
	default:
		v.addError("ratelimit.backend", fmt.Sprintf("unsupported backend %q", r.Backend))
	}
	if r.Actors < 0 {
		v.addError("ratelimit.actors", "must not be negative")
	}
}

func (v *Validator) validateAnalytics(a *AnalyticsConfig) {
	switch a.Sink {
	case AnalyticsSinkStdout, AnalyticsSinkNone, "":
	case AnalyticsSinkRedis:
		if a.RedisURL == "" {
			v.addError("analytics.redisUrl", "redisUrl is required for the redis sink")
		}
	default:
		v.addError("analytics.sink", fmt.Sprintf("unsupported sink %q", a.Sink))
	}
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
