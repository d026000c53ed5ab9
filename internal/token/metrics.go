package token

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// Verification results used as the result label.
const (
	resultValid         = "valid"
	resultInvalidFormat = "invalid_format"
	resultInvalid       = "invalid"
	resultExpired       = "expired"
	resultStoreError    = "store_error"
)

// Metrics holds Prometheus metrics for token operations.
type Metrics struct {
	verificationsTotal   *prometheus.CounterVec
	verificationDuration prometheus.Histogram
	issuedTotal          prometheus.Counter
	revokedTotal         prometheus.Counter
	touchesDropped       prometheus.Counter
}

// NewMetrics creates token metrics registered on registerer. A nil
// registerer uses a private registry.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	m := &Metrics{
		verificationsTotal: observability.MustRegister(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "verifications_total",
				Help:      "Total number of token verifications by result",
			},
			[]string{"result"},
		)),
		verificationDuration: observability.MustRegister(registerer, prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "verification_duration_seconds",
				Help:      "Token verification duration in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		)),
		issuedTotal: observability.MustRegister(registerer, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "issued_total",
				Help:      "Total number of tokens issued",
			},
		)),
		revokedTotal: observability.MustRegister(registerer, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "revoked_total",
				Help:      "Total number of tokens revoked",
			},
		)),
		touchesDropped: observability.MustRegister(registerer, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "touches_dropped_total",
				Help:      "Last-used updates skipped because too many were in flight",
			},
		)),
	}
	m.Init()
	return m
}

// Init pre-populates the result label values so they are exported at zero.
func (m *Metrics) Init() {
	for _, r := range []string{resultValid, resultInvalidFormat, resultInvalid, resultExpired, resultStoreError} {
		m.verificationsTotal.WithLabelValues(r)
	}
}

func (m *Metrics) recordVerification(result string, d time.Duration) {
	m.verificationsTotal.WithLabelValues(result).Inc()
	m.verificationDuration.Observe(d.Seconds())
}
