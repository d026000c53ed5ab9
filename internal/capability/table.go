package capability

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// DefaultCapability is required by operations missing from the table.
const DefaultCapability = "manage_options"

// Operations served by the gatekeeper's own management API.
const (
	OpCreateToken = "gatekeeper:createToken"
	OpListTokens  = "gatekeeper:listTokens"
	OpRevokeToken = "gatekeeper:revokeToken"
	OpReadAudit   = "gatekeeper:readAudit"
)

// ErrInvalidTable is wrapped by table validation failures.
var ErrInvalidTable = errors.New("invalid capability table")

// Table is the operation to capability mapping plus the data the resolver
// derives from it.
type Table struct {
	// Default is required for operations with no entry in Operations.
	Default string `yaml:"default"`

	// Operations maps operation names to capabilities.
	Operations map[string]string `yaml:"operations"`

	// Routes maps HTTP method and path pairs to operation names. When set
	// in a file it replaces the built-in routes.
	Routes []Route `yaml:"routes"`

	// Principals lists held capabilities per principal for the static directory.
	Principals map[string][]string `yaml:"principals"`

	// Conditions holds CEL expressions that must also evaluate to true.
	Conditions map[string]string `yaml:"conditions"`

	// Scopes maps token scope categories such as "read:posts" to the
	// operations or capabilities they cover.
	Scopes map[string][]string `yaml:"scopes"`
}

// DefaultTable returns the built-in table.
func DefaultTable() *Table {
	return &Table{
		Default: DefaultCapability,
		Operations: map[string]string{
			// posts
			"wp:createPost": "edit_posts",
			"wp:updatePost": "edit_posts",
			"wp:deletePost": "delete_posts",
			"wp:getPost":    "read",
			"wp:listPosts":  "read",

			// media
			"wp:uploadMedia": "upload_files",
			"wp:deleteMedia": "delete_posts",
			"wp:getMedia":    "read",
			"wp:listMedia":   "read",

			// users
			"wp:createUser": "create_users",
			"wp:updateUser": "edit_users",
			"wp:deleteUser": "delete_users",
			"wp:getUser":    "list_users",
			"wp:listUsers":  "list_users",

			// settings
			"wp:getOption":     "manage_options",
			"wp:updateOption":  "manage_options",
			"wp:getSiteHealth": "manage_options",

			// menus
			"wp:getMenu":    "edit_theme_options",
			"wp:updateMenu": "edit_theme_options",
			"wp:createMenu": "edit_theme_options",
			"wp:deleteMenu": "edit_theme_options",

			// elementor
			"elementor:getTemplate":    "edit_posts",
			"elementor:createTemplate": "edit_posts",
			"elementor:updateTemplate": "edit_posts",
			"elementor:deleteTemplate": "delete_posts",
			"elementor:getKit":         "edit_posts",
			"elementor:updateKit":      "edit_posts",

			// token management, callers act on their own tokens unless admin
			OpCreateToken: "use_ayu",
			OpListTokens:  "use_ayu",
			OpRevokeToken: "use_ayu",
			OpReadAudit:   "manage_options",
		},
		Routes: DefaultRoutes(),
		Scopes: map[string][]string{
			"read:posts":   {"wp:getPost", "wp:listPosts"},
			"write:posts":  {"wp:createPost", "wp:updatePost", "wp:deletePost"},
			"read:media":   {"wp:getMedia", "wp:listMedia"},
			"write:media":  {"wp:uploadMedia", "wp:deleteMedia"},
			"read:users":   {"wp:getUser", "wp:listUsers"},
			"write:users":  {"wp:createUser", "wp:updateUser", "wp:deleteUser"},
			"manage:site":  {"wp:getOption", "wp:updateOption", "wp:getSiteHealth"},
			"manage:menus": {"wp:getMenu", "wp:updateMenu", "wp:createMenu", "wp:deleteMenu"},
			"read:templates": {
				"elementor:getTemplate", "elementor:getKit",
			},
			"write:templates": {
				"elementor:createTemplate", "elementor:updateTemplate",
				"elementor:deleteTemplate", "elementor:updateKit",
			},
			"manage:tokens": {OpCreateToken, OpListTokens, OpRevokeToken},
			"read:audit":    {OpReadAudit},
		},
	}
}

// Capability returns the capability mapped to op and whether op is mapped.
func (t *Table) Capability(op string) (string, bool) {
	c, ok := t.Operations[op]
	return c, ok
}

// KnownScope reports whether scope may be placed on a token: the wildcard,
// a scope category or a capability the table refers to.
func (t *Table) KnownScope(scope string) bool {
	if scope == ScopeWildcard || scope == t.Default {
		return true
	}
	if _, ok := t.Scopes[scope]; ok {
		return true
	}
	for _, c := range t.Operations {
		if c == scope {
			return true
		}
	}
	return false
}

// Validate checks that the table is usable.
func (t *Table) Validate() error {
	if t.Default == "" {
		return fmt.Errorf("%w: default capability must not be empty", ErrInvalidTable)
	}
	for op, c := range t.Operations {
		if op == "" || c == "" {
			return fmt.Errorf("%w: operation %q has empty name or capability", ErrInvalidTable, op)
		}
	}
	for i, r := range t.Routes {
		if r.Path == "" || r.Operation == "" {
			return fmt.Errorf("%w: route %d needs path and operation", ErrInvalidTable, i)
		}
	}
	for op, expr := range t.Conditions {
		if expr == "" {
			return fmt.Errorf("%w: condition for %q is empty", ErrInvalidTable, op)
		}
	}
	for scope, covers := range t.Scopes {
		if scope == "" || scope == ScopeWildcard || len(covers) == 0 {
			return fmt.Errorf("%w: scope %q needs a name and at least one entry", ErrInvalidTable, scope)
		}
		if slices.Contains(covers, "") {
			return fmt.Errorf("%w: scope %q has an empty entry", ErrInvalidTable, scope)
		}
	}
	return nil
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	c := &Table{
		Default:    t.Default,
		Operations: maps.Clone(t.Operations),
		Routes:     slices.Clone(t.Routes),
		Conditions: maps.Clone(t.Conditions),
	}
	c.Principals = cloneLists(t.Principals)
	c.Scopes = cloneLists(t.Scopes)
	return c
}

func cloneLists(m map[string][]string) map[string][]string {
	if m == nil {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

// ParseTable decodes a YAML table over the built-in defaults. Operations
// and scopes are merged by key; routes, principals and conditions replace
// the defaults when present.
func ParseTable(data []byte) (*Table, error) {
	var file Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse capability table: %w", err)
	}

	t := DefaultTable()
	if file.Default != "" {
		t.Default = file.Default
	}
	maps.Copy(t.Operations, file.Operations)
	maps.Copy(t.Scopes, file.Scopes)
	if len(file.Routes) > 0 {
		t.Routes = file.Routes
	}
	if len(file.Principals) > 0 {
		t.Principals = file.Principals
	}
	if len(file.Conditions) > 0 {
		t.Conditions = file.Conditions
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadTable reads and parses a table file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read capability table %s: %w", path, err)
	}
	return ParseTable(data)
}
