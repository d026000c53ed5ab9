package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileConditions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		exprs   map[string]string
		wantErr bool
	}{
		{name: "none", exprs: nil},
		{name: "valid", exprs: map[string]string{"op": `principal == "alice"`}},
		{name: "syntax error", exprs: map[string]string{"op": `principal ==`}, wantErr: true},
		{name: "unknown variable", exprs: map[string]string{"op": `user == "alice"`}, wantErr: true},
		{name: "non boolean", exprs: map[string]string{"op": `principal + "x"`}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := CompileConditions(tt.exprs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConditions_Evaluate(t *testing.T) {
	t.Parallel()

	c, err := CompileConditions(map[string]string{
		"wp:deleteUser": `ip_in_range(source, "10.0.0.0/8")`,
		"wp:createPost": `"publish" in scopes || principal == "editor"`,
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   Input
		want bool
	}{
		{name: "no condition", in: Input{Operation: "wp:getPost"}, want: true},
		{name: "inside range", in: Input{Operation: "wp:deleteUser", Source: "10.1.2.3"}, want: true},
		{name: "outside range", in: Input{Operation: "wp:deleteUser", Source: "192.168.1.1"}, want: false},
		{name: "bad ip", in: Input{Operation: "wp:deleteUser", Source: "nope"}, want: false},
		{name: "scope present", in: Input{Operation: "wp:createPost", Scopes: []string{"publish"}}, want: true},
		{name: "principal match", in: Input{Operation: "wp:createPost", Principal: "editor"}, want: true},
		{name: "neither", in: Input{Operation: "wp:createPost", Principal: "bob"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := c.Evaluate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.True(t, c.Has("wp:deleteUser"))
	assert.False(t, c.Has("wp:getPost"))
}
