package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Default probe timeouts.
const (
	DefaultReadinessProbeTimeout = 2 * time.Second
	DefaultHealthProbeTimeout    = 5 * time.Second
)

// Probe statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusError    = "error"
	StatusDraining = "draining"
)

// HealthCheck checks one dependency.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus is the body of the readiness and health probes.
type HealthStatus struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration,omitempty"`
	Critical bool   `json:"critical"`
}

// Handler serves the probes.
type Handler struct {
	logger           *zap.Logger
	version          string
	startTime        time.Time
	readinessTimeout time.Duration
	healthTimeout    time.Duration
	draining         atomic.Bool

	mu     sync.RWMutex
	checks []HealthCheck
}

// Option configures a Handler.
type Option func(*Handler)

// WithVersion sets the version reported by the health probe.
func WithVersion(version string) Option {
	return func(h *Handler) {
		h.version = version
	}
}

// WithTimeouts sets the readiness and health probe timeouts.
func WithTimeouts(readiness, health time.Duration) Option {
	return func(h *Handler) {
		if readiness > 0 {
			h.readinessTimeout = readiness
		}
		if health > 0 {
			h.healthTimeout = health
		}
	}
}

// NewHandler creates a probe handler.
func NewHandler(logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		logger:           logger,
		startTime:        time.Now(),
		readinessTimeout: DefaultReadinessProbeTimeout,
		healthTimeout:    DefaultHealthProbeTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddCheck registers a dependency check.
func (h *Handler) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// SetDraining marks the process as shutting down. Readiness fails from then on.
func (h *Handler) SetDraining(draining bool) {
	h.draining.Store(draining)
}

// LivenessHandler reports that the process is running.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    StatusOK,
			"timestamp": time.Now().UTC(),
		})
	}
}

// ReadinessHandler reports whether the process should receive traffic.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.draining.Load() {
			c.JSON(http.StatusServiceUnavailable, &HealthStatus{
				Status:    StatusDraining,
				Timestamp: time.Now().UTC(),
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), h.readinessTimeout)
		defer cancel()

		status := h.runChecks(ctx)
		c.JSON(statusCode(status), status)
	}
}

// HealthHandler reports every check with uptime and version.
func (h *Handler) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.healthTimeout)
		defer cancel()

		status := h.runChecks(ctx)
		status.Version = h.version
		status.Uptime = time.Since(h.startTime).Round(time.Second).String()
		if h.draining.Load() {
			status.Status = StatusDraining
		}
		c.JSON(statusCode(status), status)
	}
}

// RegisterRoutes registers /health, /ready and /live on engine.
func (h *Handler) RegisterRoutes(engine gin.IRoutes) {
	engine.GET("/health", h.HealthHandler())
	engine.GET("/ready", h.ReadinessHandler())
	engine.GET("/live", h.LivenessHandler())
}

func statusCode(status *HealthStatus) int {
	if status.Status == StatusError || status.Status == StatusDraining {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// runChecks runs every check concurrently.
func (h *Handler) runChecks(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := &HealthStatus{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, check := range checks {
		wg.Add(1)
		go func(hc HealthCheck) {
			defer wg.Done()

			start := time.Now()
			err := hc.Check(ctx)
			duration := time.Since(start)

			result := &CheckResult{
				Status:   StatusOK,
				Duration: duration.String(),
				Critical: isCritical(hc),
			}

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				result.Status = StatusError
				result.Error = err.Error()
				switch {
				case result.Critical:
					status.Status = StatusError
				case status.Status == StatusOK:
					status.Status = StatusDegraded
				}

				h.logger.Warn("health check failed",
					zap.String("check", hc.Name()),
					zap.Error(err),
					zap.Duration("duration", duration),
				)
			}
			status.Checks[hc.Name()] = result
		}(check)
	}

	wg.Wait()
	return status
}
