package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// DefaultReadinessTimeout bounds a readiness probe.
const DefaultReadinessTimeout = 5 * time.Second

// Status values reported by the probes.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Status is the readiness response body.
type Status struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// Handler serves /healthz and /readyz.
type Handler struct {
	mu        sync.RWMutex
	checks    []Check
	timeout   time.Duration
	startTime time.Time
	logger    observability.Logger
	metrics   *Metrics
}

// Option is a functional option for the Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(h *Handler) {
		h.metrics = metrics
	}
}

// WithTimeout sets the readiness timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// NewHandler creates a Handler running checks on readiness.
func NewHandler(checks []Check, opts ...Option) *Handler {
	h := &Handler{
		checks:    checks,
		timeout:   DefaultReadinessTimeout,
		startTime: time.Now(),
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics("", nil)
	}
	return h
}

// AddCheck registers another dependency check.
func (h *Handler) AddCheck(check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// Liveness reports that the process is serving.
func (h *Handler) Liveness(c *gin.Context) {
	h.metrics.checksTotal.WithLabelValues("liveness").Inc()
	c.JSON(http.StatusOK, gin.H{
		"status":    StatusOK,
		"timestamp": time.Now().UTC(),
	})
}

// Readiness runs the dependency checks and answers 503 if any fails.
func (h *Handler) Readiness(c *gin.Context) {
	h.metrics.checksTotal.WithLabelValues("readiness").Inc()

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := h.Run(ctx)
	code := http.StatusOK
	if status.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// Run executes every check concurrently.
func (h *Handler) Run(ctx context.Context) *Status {
	h.mu.RLock()
	checks := make([]Check, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := &Status{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, check := range checks {
		wg.Add(1)
		go func(check Check) {
			defer wg.Done()

			start := time.Now()
			err := check.Check(ctx)
			duration := time.Since(start)

			result := &CheckResult{Status: StatusOK, Duration: duration.String()}
			if err != nil {
				result.Status = StatusError
				result.Error = err.Error()
				h.logger.Warn("health check failed",
					observability.String("check", check.Name()),
					observability.Error(err),
					observability.Duration("duration", duration),
				)
			}
			h.metrics.setStatus(check.Name(), err == nil)

			mu.Lock()
			status.Checks[check.Name()] = result
			if err != nil {
				status.Status = StatusError
			}
			mu.Unlock()
		}(check)
	}
	wg.Wait()

	return status
}

// RegisterRoutes mounts the probes on r.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
}
