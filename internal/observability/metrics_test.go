package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_DefaultNamespace(t *testing.T) {
	t.Parallel()

	r := NewRegistry("")
	assert.Equal(t, DefaultNamespace, r.Namespace())
}

func TestRegistry_Handler(t *testing.T) {
	t.Parallel()

	r := NewRegistry("test")
	r.SetBuildInfo("1.0.0", "abc", "now")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_build_info")
	assert.Contains(t, rec.Body.String(), "test_start_time_seconds")
}

func TestMustRegister_ReturnsExisting(t *testing.T) {
	t.Parallel()

	r := NewRegistry("test")
	newCounter := func() prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: "shared_total", Help: "shared"})
	}

	first := MustRegister(r.Registerer(), newCounter())
	second := MustRegister(r.Registerer(), newCounter())
	first.Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(second))
}

func TestMustRegister_PanicsOnConflict(t *testing.T) {
	t.Parallel()

	r := NewRegistry("test")
	MustRegister(r.Registerer(), prometheus.NewCounter(prometheus.CounterOpts{Name: "dup", Help: "a"}))

	require.Panics(t, func() {
		MustRegister(r.Registerer(), prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup", Help: "b"}))
	})
}
