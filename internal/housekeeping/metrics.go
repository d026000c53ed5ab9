package housekeeping

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// Metrics holds Prometheus metrics for housekeeping.
type Metrics struct {
	pruned    *prometheus.CounterVec
	runsTotal *prometheus.CounterVec
}

// NewMetrics creates housekeeping metrics registered on registerer. A nil
// registerer uses a private registry.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	m := &Metrics{
		pruned: observability.MustRegister(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "housekeeping",
				Name:      "pruned_total",
				Help:      "Total number of items removed by housekeeping by kind",
			},
			[]string{"kind"},
		)),
		runsTotal: observability.MustRegister(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "housekeeping",
				Name:      "runs_total",
				Help:      "Total number of housekeeping runs by result",
			},
			[]string{"result"},
		)),
	}
	m.Init()
	return m
}

// Init pre-populates label values so they are exported at zero.
func (m *Metrics) Init() {
	for _, kind := range []string{KindTokens, KindAudit, KindWindows} {
		m.pruned.WithLabelValues(kind)
	}
	m.runsTotal.WithLabelValues("success")
	m.runsTotal.WithLabelValues("error")
}

func (m *Metrics) recordRun(err error) {
	if err != nil {
		m.runsTotal.WithLabelValues("error").Inc()
		return
	}
	m.runsTotal.WithLabelValues("success").Inc()
}
