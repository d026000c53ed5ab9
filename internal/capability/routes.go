package capability

import (
	"strings"
)

// UnknownOperation is returned for requests no route matches.
const UnknownOperation = "unknown"

// Route maps a request to an operation name. An empty Method matches any
// method. A Path ending in "/" matches every path below it; any other Path
// must match exactly, ignoring a trailing slash on the request.
type Route struct {
	Method    string `yaml:"method"`
	Path      string `yaml:"path"`
	Operation string `yaml:"operation"`
}

func (r Route) matches(method, path string) bool {
	if r.Method != "" && !strings.EqualFold(r.Method, method) {
		return false
	}
	if strings.HasSuffix(r.Path, "/") {
		return strings.HasPrefix(path, r.Path) && len(path) > len(r.Path)
	}
	return strings.TrimSuffix(path, "/") == r.Path
}

// RouteMap resolves method and path pairs to operation names. Routes are
// tried in order and the first match wins.
type RouteMap struct {
	routes []Route
}

// NewRouteMap creates a route map.
func NewRouteMap(routes []Route) *RouteMap {
	return &RouteMap{routes: append([]Route(nil), routes...)}
}

// Operation returns the operation for the request, or UnknownOperation.
func (m *RouteMap) Operation(method, path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	for _, r := range m.routes {
		if r.matches(method, path) {
			return r.Operation
		}
	}
	return UnknownOperation
}

// Len returns the number of routes.
func (m *RouteMap) Len() int {
	return len(m.routes)
}

// DefaultRoutes returns the built-in routes for the content API.
func DefaultRoutes() []Route {
	const base = "/ayu/v1"
	return []Route{
		{Method: "GET", Path: base + "/posts", Operation: "wp:listPosts"},
		{Method: "POST", Path: base + "/posts", Operation: "wp:createPost"},
		{Method: "GET", Path: base + "/posts/", Operation: "wp:getPost"},
		{Method: "DELETE", Path: base + "/posts/", Operation: "wp:deletePost"},
		{Path: base + "/posts/", Operation: "wp:updatePost"},

		{Method: "GET", Path: base + "/media", Operation: "wp:listMedia"},
		{Method: "POST", Path: base + "/media", Operation: "wp:uploadMedia"},
		{Method: "GET", Path: base + "/media/", Operation: "wp:getMedia"},
		{Path: base + "/media/", Operation: "wp:deleteMedia"},

		{Method: "GET", Path: base + "/users", Operation: "wp:listUsers"},
		{Method: "POST", Path: base + "/users", Operation: "wp:createUser"},
		{Method: "GET", Path: base + "/users/", Operation: "wp:getUser"},
		{Method: "DELETE", Path: base + "/users/", Operation: "wp:deleteUser"},
		{Path: base + "/users/", Operation: "wp:updateUser"},

		{Method: "GET", Path: base + "/menus", Operation: "wp:listMenus"},
		{Method: "POST", Path: base + "/menus", Operation: "wp:createMenu"},
		{Method: "GET", Path: base + "/menus/", Operation: "wp:getMenu"},
		{Method: "DELETE", Path: base + "/menus/", Operation: "wp:deleteMenu"},
		{Path: base + "/menus/", Operation: "wp:updateMenu"},

		{Method: "GET", Path: base + "/taxonomies", Operation: "wp:listTaxonomies"},
		{Method: "GET", Path: base + "/taxonomies/", Operation: "wp:listTerms"},
		{Path: base + "/taxonomies/", Operation: "wp:createTerm"},

		{Method: "GET", Path: base + "/options/", Operation: "wp:getOption"},
		{Path: base + "/options/", Operation: "wp:updateOption"},

		{Path: base + "/site-health", Operation: "wp:getSiteHealth"},

		{Method: "GET", Path: base + "/elementor/templates", Operation: "elementor:getTemplate"},
		{Method: "POST", Path: base + "/elementor/templates", Operation: "elementor:createTemplate"},
		{Method: "GET", Path: base + "/elementor/templates/", Operation: "elementor:getTemplate"},
		{Method: "DELETE", Path: base + "/elementor/templates/", Operation: "elementor:deleteTemplate"},
		{Path: base + "/elementor/templates/", Operation: "elementor:updateTemplate"},
		{Method: "GET", Path: base + "/elementor/kit", Operation: "elementor:getKit"},
		{Path: base + "/elementor/kit", Operation: "elementor:updateKit"},
	}
}
