package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avakeys/internal/config"
	"github.com/vyrodovalexey/avakeys/internal/health"
	"github.com/vyrodovalexey/avakeys/internal/keys"
	"github.com/vyrodovalexey/avakeys/internal/observability"
	"github.com/vyrodovalexey/avakeys/internal/ratelimit"
)

// ginModeOnce keeps gin.SetMode from racing between servers.
var ginModeOnce sync.Once

// Service is the key service behind the routes.
type Service interface {
	Verify(ctx context.Context, req keys.VerifyRequest) (keys.Result, error)
	Ratelimit(ctx context.Context, req keys.RatelimitRequest) (ratelimit.Response, error)
	Invalidate(ctx context.Context, hash, actor string)
	InvalidateApi(ctx context.Context, apiID, actor string)
}

// Server is the public HTTP server.
type Server struct {
	cfg     config.ServerConfig
	engine  *gin.Engine
	service Service
	logger  *zap.Logger
	ips     *ClientIPExtractor
	ingress *IngressLimiter
	health  *health.Handler
	metrics *observability.Metrics

	mu         sync.Mutex
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records HTTP metrics into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHealth serves the probes of h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// NewServer builds the engine and its routes.
func NewServer(cfg config.ServerConfig, svc Service, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		if gin.Mode() == gin.DebugMode {
			gin.SetMode(gin.ReleaseMode)
		}
	})

	s := &Server{
		cfg:     cfg,
		service: svc,
		logger:  zap.NewNop(),
		ips:     NewClientIPExtractor(cfg.IPHeader),
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	// c.ClientIP is the connection peer; the edge header is read explicitly
	_ = engine.SetTrustedProxies(nil)

	engine.Use(Recovery(s.logger), RequestID(), Tracing(), AccessLog(s.logger))
	if s.metrics != nil {
		engine.Use(Metrics(s.metrics))
	}
	if cfg.Ingress.Enabled {
		s.ingress = NewIngressLimiter(cfg.Ingress, s.logger)
		engine.Use(s.ingress.Middleware(s.ips))
	}
	if cfg.MaxBodyBytes > 0 {
		engine.Use(BodyLimit(cfg.MaxBodyBytes))
	}

	s.engine = engine
	s.registerRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout.OrDefault(config.DefaultReadTimeout),
		WriteTimeout: s.cfg.WriteTimeout.OrDefault(config.DefaultWriteTimeout),
		IdleTimeout:  s.cfg.IdleTimeout.OrDefault(config.DefaultIdleTimeout),
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", zap.String("address", ln.Addr().String()))

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Address
	if addr == "" {
		addr = config.DefaultServerAddress
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ingress != nil {
		s.ingress.Stop()
	}

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("stopping HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}
