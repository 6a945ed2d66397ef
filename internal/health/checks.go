package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DependencyType is the kind of a checked dependency.
type DependencyType string

// Dependency types.
const (
	DependencyDatabase DependencyType = "database"
	DependencyCache    DependencyType = "cache"
	DependencyCounter  DependencyType = "counter"
	DependencyCustom   DependencyType = "custom"
)

// ErrNilDependency is returned by checks built over a nil dependency.
var ErrNilDependency = errors.New("dependency is not configured")

// Pinger is a dependency that can report its own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DependencyCheck checks one dependency and records the outcome.
type DependencyCheck struct {
	name     string
	depType  DependencyType
	checkFn  func(ctx context.Context) error
	critical bool
}

// Name returns the name of the dependency check.
func (d *DependencyCheck) Name() string {
	return d.name
}

// Check performs the dependency health check.
func (d *DependencyCheck) Check(ctx context.Context) error {
	start := time.Now()
	err := d.checkFn(ctx)

	GetMetrics().observe(d.name, string(d.depType), err == nil, time.Since(start))
	return err
}

// Critical reports whether a failure of the dependency fails readiness.
func (d *DependencyCheck) Critical() bool {
	return d.critical
}

// DependencyCheckOption configures a DependencyCheck.
type DependencyCheckOption func(*DependencyCheck)

// WithCritical marks the dependency as critical. Checks are critical by default.
func WithCritical(critical bool) DependencyCheckOption {
	return func(d *DependencyCheck) {
		d.critical = critical
	}
}

// NewDependencyCheck creates a dependency check.
func NewDependencyCheck(
	name string,
	depType DependencyType,
	checkFn func(ctx context.Context) error,
	opts ...DependencyCheckOption,
) *DependencyCheck {
	d := &DependencyCheck{
		name:     name,
		depType:  depType,
		checkFn:  checkFn,
		critical: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PingCheck checks a dependency through its Ping method.
func PingCheck(name string, depType DependencyType, p Pinger, opts ...DependencyCheckOption) *DependencyCheck {
	return NewDependencyCheck(name, depType, func(ctx context.Context) error {
		if p == nil {
			return ErrNilDependency
		}
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%s ping failed: %w", depType, err)
		}
		return nil
	}, opts...)
}

// CachedCheck reuses the last result of a check for ttl so that frequent
// probes do not hammer the dependency.
type CachedCheck struct {
	check      HealthCheck
	ttl        time.Duration
	now        func() time.Time
	mu         sync.Mutex
	lastCheck  time.Time
	lastResult error
}

// NewCachedCheck wraps check with a result cache.
func NewCachedCheck(check HealthCheck, ttl time.Duration) *CachedCheck {
	return &CachedCheck{check: check, ttl: ttl, now: time.Now}
}

// Name returns the name of the wrapped check.
func (c *CachedCheck) Name() string {
	return c.check.Name()
}

// Critical reports whether the wrapped check is critical.
func (c *CachedCheck) Critical() bool {
	return isCritical(c.check)
}

// Check returns the cached result or runs the wrapped check.
func (c *CachedCheck) Check(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastCheck.IsZero() && c.now().Sub(c.lastCheck) < c.ttl {
		return c.lastResult
	}
	c.lastResult = c.check.Check(ctx)
	c.lastCheck = c.now()
	return c.lastResult
}

type criticality interface {
	Critical() bool
}

func isCritical(check HealthCheck) bool {
	if c, ok := check.(criticality); ok {
		return c.Critical()
	}
	return true
}
