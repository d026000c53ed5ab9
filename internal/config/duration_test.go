package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalYAML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "seconds", input: `d: 30s`, want: 30 * time.Second},
		{name: "hours", input: `d: 2160h`, want: 2160 * time.Hour},
		{name: "days", input: `d: 90d`, want: 90 * 24 * time.Hour},
		{name: "empty", input: `d: ""`, want: 0},
		{name: "invalid", input: `d: forever`, wantErr: true},
		{name: "bad days", input: `d: xd`, wantErr: true},
		{name: "negative", input: `d: -5s`, wantErr: true},
		{name: "not a scalar", input: "d: [1s]", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var v struct {
				D Duration `yaml:"d"`
			}
			err := yaml.Unmarshal([]byte(tt.input), &v)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.D.Duration())
		})
	}
}

func TestDuration_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "90d", Duration(90*24*time.Hour).String())
	assert.Equal(t, "1m30s", Duration(90*time.Second).String())
	assert.Equal(t, "36h0m0s", Duration(36*time.Hour).String())
	assert.Equal(t, "0s", Duration(0).String())
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, json.Unmarshal([]byte(`"365d"`), &d))
	assert.Equal(t, 365*24*time.Hour, d.Duration())

	require.NoError(t, json.Unmarshal([]byte(`null`), &d))
	assert.Zero(t, d)

	assert.Error(t, json.Unmarshal([]byte(`42`), &d))

	out, err := json.Marshal(Duration(time.Minute))
	require.NoError(t, err)
	assert.JSONEq(t, `"1m0s"`, string(out))
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	t.Parallel()

	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{D: Duration(90 * 24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "d: 90d\n", string(out))
}
