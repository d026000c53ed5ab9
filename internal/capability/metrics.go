package capability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// Metrics holds Prometheus metrics for the capability resolver.
type Metrics struct {
	reloadsTotal *prometheus.CounterVec
	operations   prometheus.Gauge
	denialsTotal *prometheus.CounterVec
}

// NewMetrics creates resolver metrics registered on registerer. A nil
// registerer uses a private registry.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	m := &Metrics{
		reloadsTotal: observability.MustRegister(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "capability",
				Name:      "reloads_total",
				Help:      "Total number of capability table reloads by result",
			},
			[]string{"result"},
		)),
		operations: observability.MustRegister(registerer, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "capability",
				Name:      "operations",
				Help:      "Number of operations in the active capability table",
			},
		)),
		denialsTotal: observability.MustRegister(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "capability",
				Name:      "denials_total",
				Help:      "Total number of capability denials by cause",
			},
			[]string{"cause"},
		)),
	}
	for _, r := range []string{"success", "error"} {
		m.reloadsTotal.WithLabelValues(r)
	}
	for _, c := range []string{"capability", "scope", "condition"} {
		m.denialsTotal.WithLabelValues(c)
	}
	return m
}
