package observability

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace is the metric namespace used when none is configured.
const DefaultNamespace = "gatekeeper"

// Registry holds the Prometheus registry backing the /metrics endpoint
// together with the process-wide gauges.
type Registry struct {
	namespace string
	registry  *prometheus.Registry
	buildInfo *prometheus.GaugeVec
	startTime prometheus.Gauge
}

// NewRegistry creates a registry with Go and process collectors attached.
func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	r := &Registry{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build information for the gatekeeper",
			},
			[]string{"version", "commit", "build_time"},
		),
		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "start_time_seconds",
				Help:      "Start time of the gatekeeper in unix seconds",
			},
		),
	}

	r.registry.MustRegister(
		r.buildInfo,
		r.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.startTime.SetToCurrentTime()

	return r
}

// Namespace returns the metric namespace.
func (r *Registry) Namespace() string {
	return r.namespace
}

// Registerer returns the registerer component metrics should use.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

// Gatherer returns the underlying gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// SetBuildInfo sets the build information metric.
func (r *Registry) SetBuildInfo(version, commit, buildTime string) {
	r.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// MustRegister registers collectors on registerer. A collector that is
// already registered is replaced by the existing instance, so metrics
// constructed twice against the same registry share their series.
// A nil registerer falls back to prometheus.DefaultRegisterer.
func MustRegister[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
			return c
		}
		panic(err)
	}
	return c
}
