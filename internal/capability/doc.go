// Package capability maps operations to the capability a principal must
// hold to perform them.
//
// The mapping is a Table loaded from YAML on top of built-in defaults. A
// Resolver serves the current table through an atomic pointer so reloads
// never block readers, resolves HTTP method and path pairs to operation
// names through a RouteMap, looks up held capabilities through a Directory,
// and evaluates optional CEL conditions attached to operations.
//
// Unmapped operations resolve to the table's default capability, so an
// unknown operation is only available to principals holding it.
package capability
