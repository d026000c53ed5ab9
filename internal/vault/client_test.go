package vault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T, status int, body string) (*httptest.Server, *string) {
	t.Helper()

	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Vault-Token")
		if r.URL.Path != "/v1/secret/data/gatekeeper/pepper" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &gotToken
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: Config{Address: "http://vault:8200", PepperPath: "gatekeeper"}},
		{name: "missing address", cfg: Config{PepperPath: "gatekeeper"}, wantErr: true},
		{name: "missing path", cfg: Config{Address: "http://vault:8200"}, wantErr: true},
		{name: "slash only path", cfg: Config{Address: "http://vault:8200", PepperPath: "/"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPepperSource_Path(t *testing.T) {
	t.Parallel()

	s, err := NewPepperSource(Config{Address: "http://vault:8200", MountPath: "/kv/", PepperPath: "/gatekeeper/pepper"})
	require.NoError(t, err)
	assert.Equal(t, "kv/data/gatekeeper/pepper", s.Path())

	s, err = NewPepperSource(Config{Address: "http://vault:8200", PepperPath: "gatekeeper"})
	require.NoError(t, err)
	assert.Equal(t, "secret/data/gatekeeper", s.Path())
}

func TestPepperSource_Pepper(t *testing.T) {
	t.Parallel()

	srv, gotToken := newTestVault(t, http.StatusOK,
		`{"data":{"data":{"pepper":"s3cret","other":"x"},"metadata":{"version":3}}}`)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics("test", reg)
	s, err := NewPepperSource(Config{
		Address:    srv.URL,
		Token:      "root-token",
		PepperPath: "gatekeeper/pepper",
	}, WithMetrics(metrics))
	require.NoError(t, err)

	pepper, err := s.Pepper(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), pepper)
	assert.Equal(t, "root-token", *gotToken)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("success")))
}

func TestPepperSource_PepperErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		key     string
		path    string
		wantErr error
	}{
		{
			name:    "missing secret",
			status:  http.StatusOK,
			path:    "gatekeeper/other",
			wantErr: ErrSecretNotFound,
		},
		{
			name:    "deleted version",
			status:  http.StatusNotFound,
			body:    `{"data":{"data":null,"metadata":{"deletion_time":"2026-01-01T00:00:00Z"}}}`,
			wantErr: ErrSecretNotFound,
		},
		{
			name:    "missing key",
			status:  http.StatusOK,
			body:    `{"data":{"data":{"other":"x"}}}`,
			wantErr: ErrKeyNotFound,
		},
		{
			name:    "custom key missing",
			status:  http.StatusOK,
			body:    `{"data":{"data":{"pepper":"x"}}}`,
			key:     "hmac",
			wantErr: ErrKeyNotFound,
		},
		{
			name:    "empty value",
			status:  http.StatusOK,
			body:    `{"data":{"data":{"pepper":""}}}`,
			wantErr: ErrInvalidValue,
		},
		{
			name:    "non string value",
			status:  http.StatusOK,
			body:    `{"data":{"data":{"pepper":42}}}`,
			wantErr: ErrInvalidValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, _ := newTestVault(t, tt.status, tt.body)
			path := tt.path
			if path == "" {
				path = "gatekeeper/pepper"
			}
			s, err := NewPepperSource(Config{Address: srv.URL, Token: "t", PepperPath: path, PepperKey: tt.key})
			require.NoError(t, err)

			_, err = s.Pepper(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var vErr *Error
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, "read", vErr.Op)
		})
	}
}

func TestPepperSource_ServerError(t *testing.T) {
	t.Parallel()

	srv, _ := newTestVault(t, http.StatusInternalServerError, `{"errors":["internal error"]}`)
	metrics := NewMetrics("test", prometheus.NewRegistry())
	s, err := NewPepperSource(Config{Address: srv.URL, Token: "t", PepperPath: "gatekeeper/pepper"},
		WithMetrics(metrics))
	require.NoError(t, err)

	_, err = s.Pepper(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret/data/gatekeeper/pepper")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("error")))
}

func TestError_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "vault read on path a/b: vault: secret not found",
		newError("read", "a/b", ErrSecretNotFound).Error())
	assert.Equal(t, "vault init: vault: secret not found",
		newError("init", "", ErrSecretNotFound).Error())
}
