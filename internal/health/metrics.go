package health

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// Metrics holds Prometheus metrics for health probes.
type Metrics struct {
	checksTotal *prometheus.CounterVec
	checkStatus *prometheus.GaugeVec
}

// NewMetrics creates health metrics registered on registerer. A nil
// registerer uses a private registry.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	m := &Metrics{
		checksTotal: observability.MustRegister(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "checks_total",
				Help:      "Total number of health probes served by type",
			},
			[]string{"type"},
		)),
		checkStatus: observability.MustRegister(registerer, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "check_status",
				Help:      "Current dependency check status (1=healthy, 0=unhealthy)",
			},
			[]string{"check"},
		)),
	}
	m.checksTotal.WithLabelValues("liveness")
	m.checksTotal.WithLabelValues("readiness")
	return m
}

func (m *Metrics) setStatus(check string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.checkStatus.WithLabelValues(check).Set(v)
}
