package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// Metrics holds Prometheus metrics for rate limiting.
type Metrics struct {
	decisionsTotal *prometheus.CounterVec
	fallbackTotal  prometheus.Counter
	redisErrors    prometheus.Counter
}

// NewMetrics creates rate limit metrics registered on registerer. A nil
// registerer uses a private registry.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	m := &Metrics{
		decisionsTotal: observability.MustRegister(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Total number of rate limit decisions by backend and result",
			},
			[]string{"backend", "result"},
		)),
		fallbackTotal: observability.MustRegister(registerer, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "fallback_total",
				Help:      "Total number of decisions served by the local fallback limiter",
			},
		)),
		redisErrors: observability.MustRegister(registerer, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "redis_errors_total",
				Help:      "Total number of failed Redis rate limit evaluations",
			},
		)),
	}
	m.Init()
	return m
}

// Init pre-populates label values so they are exported at zero.
func (m *Metrics) Init() {
	for _, backend := range []string{BackendLocal, BackendRedis} {
		m.decisionsTotal.WithLabelValues(backend, "allowed")
		m.decisionsTotal.WithLabelValues(backend, "denied")
	}
}

func (m *Metrics) recordDecision(backend string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.decisionsTotal.WithLabelValues(backend, result).Inc()
}
