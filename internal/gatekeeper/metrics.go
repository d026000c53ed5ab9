package gatekeeper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

const (
	outcomeAdmitted = "admitted"
	outcomeDenied   = "denied"
)

// Metrics holds Prometheus metrics for gate decisions.
type Metrics struct {
	decisionsTotal *prometheus.CounterVec
	checkDuration  *prometheus.HistogramVec
}

// NewMetrics creates gatekeeper metrics registered on registerer. A nil
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
				Subsystem: "gatekeeper",
				Name:      "decisions_total",
				Help:      "Total number of gate decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		)),
		checkDuration: observability.MustRegister(registerer, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gatekeeper",
				Name:      "check_duration_seconds",
				Help:      "Gate check duration in seconds",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"outcome"},
		)),
	}
	m.Init()
	return m
}

// Init pre-populates label values so they are exported at zero.
func (m *Metrics) Init() {
	m.decisionsTotal.WithLabelValues(outcomeAdmitted, "")
	for _, r := range Reasons {
		m.decisionsTotal.WithLabelValues(outcomeDenied, string(r))
	}
}

func (m *Metrics) recordDecision(d Decision, elapsed time.Duration) {
	outcome := outcomeAdmitted
	if !d.Admitted {
		outcome = outcomeDenied
	}
	m.decisionsTotal.WithLabelValues(outcome, string(d.Reason)).Inc()
	m.checkDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
