package capability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTable(t *testing.T) {
	t.Parallel()

	table := DefaultTable()
	require.NoError(t, table.Validate())
	assert.Equal(t, DefaultCapability, table.Default)

	tests := []struct {
		op   string
		want string
	}{
		{op: "wp:createPost", want: "edit_posts"},
		{op: "wp:deletePost", want: "delete_posts"},
		{op: "wp:listPosts", want: "read"},
		{op: "wp:uploadMedia", want: "upload_files"},
		{op: "wp:deleteUser", want: "delete_users"},
		{op: "wp:getUser", want: "list_users"},
		{op: "wp:getSiteHealth", want: "manage_options"},
		{op: "wp:deleteMenu", want: "edit_theme_options"},
		{op: "elementor:deleteTemplate", want: "delete_posts"},
		{op: "elementor:updateKit", want: "edit_posts"},
		{op: OpReadAudit, want: "manage_options"},
	}
	for _, tt := range tests {
		got, ok := table.Capability(tt.op)
		assert.True(t, ok, tt.op)
		assert.Equal(t, tt.want, got, tt.op)
	}

	_, ok := table.Capability("wp:listTaxonomies")
	assert.False(t, ok)
}

func TestParseTable(t *testing.T) {
	t.Parallel()

	table, err := ParseTable([]byte(`
default: administrator
operations:
  wp:createPost: publish_posts
  custom:thing: read
principals:
  alice: [edit_posts, read]
conditions:
  wp:deleteUser: 'ip_in_range(source, "10.0.0.0/8")'
scopes:
  read:posts: [wp:getPost]
  publish: [edit_posts]
`))
	require.NoError(t, err)

	assert.Equal(t, "administrator", table.Default)
	c, _ := table.Capability("wp:createPost")
	assert.Equal(t, "publish_posts", c)
	c, _ = table.Capability("custom:thing")
	assert.Equal(t, "read", c)
	c, _ = table.Capability("wp:deleteUser")
	assert.Equal(t, "delete_users", c, "built-ins are kept")
	assert.Equal(t, []string{"edit_posts", "read"}, table.Principals["alice"])
	assert.Len(t, table.Routes, len(DefaultRoutes()))
	assert.Contains(t, table.Conditions, "wp:deleteUser")
	assert.Equal(t, []string{"wp:getPost"}, table.Scopes["read:posts"])
	assert.Equal(t, []string{"edit_posts"}, table.Scopes["publish"])
	assert.Contains(t, table.Scopes, "write:posts", "built-in scopes are kept")
}

func TestParseTable_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "syntax", input: "operations: [bad"},
		{name: "unknown key", input: "rules: {}"},
		{name: "empty capability", input: "operations:\n  wp:x: \"\"\n"},
		{name: "route without path", input: "routes:\n  - operation: wp:x\n"},
		{name: "empty scope", input: "scopes:\n  read:x: []\n"},
		{name: "wildcard scope category", input: "scopes:\n  \"*\": [read]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseTable([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestParseTable_Empty(t *testing.T) {
	t.Parallel()

	table, err := ParseTable(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTable(), table)
}

func TestLoadTable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default: read\n"), 0o600))

	table, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, "read", table.Default)

	_, err = LoadTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTable_Clone(t *testing.T) {
	t.Parallel()

	table := DefaultTable()
	table.Principals = map[string][]string{"alice": {"read"}}
	c := table.Clone()

	c.Operations["wp:createPost"] = "changed"
	c.Principals["alice"][0] = "changed"
	c.Scopes["read:posts"][0] = "changed"

	got, _ := table.Capability("wp:createPost")
	assert.Equal(t, "edit_posts", got)
	assert.Equal(t, "read", table.Principals["alice"][0])
	assert.Equal(t, "wp:getPost", table.Scopes["read:posts"][0])
}
