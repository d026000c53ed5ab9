package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/apigatekeeper/internal/health"
	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// Server timeout defaults.
const (
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultIdleTimeout  = 120 * time.Second
	maxHeaderBytes      = 1 << 20
	maxBodyBytes        = 1 << 20
)

var ginModeOnce sync.Once

// Config configures the Server.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// SessionHeader names the header carrying a signed session assertion.
	// Empty disables the session path.
	SessionHeader string
	// TrustedProxies lists addresses or CIDRs whose forwarding headers
	// name the source. Requests from anywhere else are keyed on the peer.
	TrustedProxies []string
	// FloodGuardRPS of zero disables the per-source flood guard.
	FloodGuardRPS   float64
	FloodGuardBurst int
}

// Server is the gatekeeper HTTP server.
type Server struct {
	cfg        Config
	engine     *gin.Engine
	httpServer *http.Server
	handlers   *handlers
	floodGuard *FloodGuard
	health     *health.Handler
	metrics    *Metrics
	promHTTP   http.Handler
	tracer     trace.Tracer
	logger     observability.Logger

	mu       sync.Mutex
	listener net.Listener
}

// Option is a functional option for the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the HTTP metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.promHTTP = h
	}
}

// WithHealth serves the probes of h on /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithTracer sets the tracer for request spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// WithTokens enables the token management routes.
func WithTokens(tokens TokenManager) Option {
	return func(s *Server) {
		s.handlers.tokens = tokens
	}
}

// WithAudit enables the audit route.
func WithAudit(reader AuditReader) Option {
	return func(s *Server) {
		s.handlers.audit = reader
	}
}

// New creates a Server in front of gate.
func New(cfg Config, gate Checker, operations OperationResolver, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		if gin.Mode() == gin.DebugMode {
			gin.SetMode(gin.ReleaseMode)
		}
	})

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	s := &Server{
		cfg:    cfg,
		logger: observability.NopLogger(),
		handlers: &handlers{
			gate:          gate,
			operations:    operations,
			sessionHeader: cfg.SessionHeader,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(observability.String("component", "server"))
	s.handlers.logger = s.logger
	if s.metrics == nil {
		s.metrics = NewMetrics("", nil)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("gatekeeper/server")
	}
	if cfg.FloodGuardRPS > 0 {
		s.floodGuard = NewFloodGuard(cfg.FloodGuardRPS, cfg.FloodGuardBurst, WithFloodGuardLogger(s.logger))
	}

	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	configureClientIP(r, s.cfg.TrustedProxies, s.logger)
	r.Use(
		Recovery(s.logger),
		RequestID(),
		Tracing(s.tracer, otel.GetTextMapPropagator()),
		Logging(s.logger),
		Instrument(s.metrics),
	)

	if s.health != nil {
		s.health.RegisterRoutes(r)
	}
	if s.promHTTP != nil {
		r.GET("/metrics", gin.WrapH(s.promHTTP))
	}

	v1 := r.Group("/v1")
	v1.Use(SecurityHeaders(), limitBody(maxBodyBytes))
	if s.floodGuard != nil {
		v1.Use(s.floodGuard.Middleware())
	}
	v1.GET("/check", s.handlers.check)
	if s.handlers.tokens != nil {
		v1.POST("/tokens", s.handlers.createToken)
		v1.GET("/tokens", s.handlers.listTokens)
		v1.DELETE("/tokens/:id", s.handlers.revokeToken)
	}
	if s.handlers.audit != nil {
		v1.GET("/audit", s.handlers.readAudit)
	}

	return r
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}
	srv := s.httpServer
	s.mu.Unlock()

	if s.floodGuard != nil {
		s.floodGuard.StartCleanup(time.Minute)
	}

	s.logger.Info("starting HTTP server",
		observability.String("address", ln.Addr().String()),
		observability.Duration("read_timeout", s.cfg.ReadTimeout),
		observability.Duration("write_timeout", s.cfg.WriteTimeout),
	)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Addr returns the listening address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if s.floodGuard != nil {
		s.floodGuard.Stop()
	}
	if srv == nil {
		return nil
	}

	s.logger.Info("stopping HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
