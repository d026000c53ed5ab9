package audit

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// Metrics holds Prometheus metrics for the audit trail.
type Metrics struct {
	entriesTotal  *prometheus.CounterVec
	writeFailures prometheus.Counter
	droppedTotal  *prometheus.CounterVec
	prunedTotal   prometheus.Counter
}

// NewMetrics creates audit metrics registered on registerer. A nil
// registerer uses a private registry.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	m := &Metrics{
		entriesTotal: observability.MustRegister(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "entries_total",
				Help:      "Total number of audit entries recorded by outcome",
			},
			[]string{"success"},
		)),
		writeFailures: observability.MustRegister(registerer, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "write_failures_total",
				Help:      "Total number of audit entries the store failed to persist",
			},
		)),
		droppedTotal: observability.MustRegister(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "dropped_total",
				Help:      "Total number of audit entries dropped before reaching the store",
			},
			[]string{"reason"},
		)),
		prunedTotal: observability.MustRegister(registerer, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "pruned_total",
				Help:      "Total number of audit entries removed by retention or cap",
			},
		)),
	}
	m.Init()
	return m
}

// Init pre-populates label values so they are exported at zero.
func (m *Metrics) Init() {
	m.entriesTotal.WithLabelValues("true")
	m.entriesTotal.WithLabelValues("false")
	m.droppedTotal.WithLabelValues("queue_full")
	m.droppedTotal.WithLabelValues("closed")
}

func (m *Metrics) recordEntry(success bool) {
	m.entriesTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}
