package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avakeys/internal/config"
)

// Ingress limiter defaults.
const (
	DefaultClientTTL   = 10 * time.Minute
	minCleanupInterval = 10 * time.Second
	maxCleanupInterval = time.Minute
)

type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// IngressLimiter throttles callers per address before any route runs. It
// protects the server itself; key rate limits are enforced by the service.
type IngressLimiter struct {
	rps       rate.Limit
	burst     int
	clientTTL time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu      sync.Mutex
	clients map[string]*clientEntry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewIngressLimiter creates a limiter from cfg and starts its cleanup loop.
func NewIngressLimiter(cfg config.IngressConfig, logger *zap.Logger) *IngressLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &IngressLimiter{
		rps:       rate.Limit(cfg.RequestsPerSecond),
		burst:     cfg.Burst,
		clientTTL: cfg.ClientTTL.OrDefault(DefaultClientTTL),
		now:       time.Now,
		logger:    logger,
		clients:   make(map[string]*clientEntry),
		stopCh:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether client may make another request now.
func (l *IngressLimiter) Allow(client string) bool {
	now := l.now()

	l.mu.Lock()
	entry, ok := l.clients[client]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[client] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Middleware rejects throttled callers with 429.
func (l *IngressLimiter) Middleware(ips *ClientIPExtractor) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isProbePath(c.Request.URL.Path) {
			c.Next()
			return
		}
		client := ips.Extract(c)
		if !l.Allow(client) {
			l.logger.Warn("ingress limit exceeded",
				zap.String("clientIP", client),
				zap.String("path", c.Request.URL.Path),
			)
			c.Header("Retry-After", "1")
			abortWithError(c, http.StatusTooManyRequests, CodeTooManyRequests, "too many requests")
			return
		}
		c.Next()
	}
}

// Len returns the number of tracked clients.
func (l *IngressLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// cleanup forgets clients idle for longer than the TTL.
func (l *IngressLimiter) cleanup() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for client, entry := range l.clients {
		if now.Sub(entry.lastAccess) > l.clientTTL {
			delete(l.clients, client)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("cleaned up idle ingress limiter entries",
			zap.Int("removed", removed),
			zap.Int("remaining", len(l.clients)),
		)
	}
}

func (l *IngressLimiter) cleanupLoop() {
	interval := min(max(l.clientTTL/2, minCleanupInterval), maxCleanupInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// Stop ends the cleanup loop.
func (l *IngressLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
