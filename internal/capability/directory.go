package capability

import (
	"context"
	"slices"
)

// Directory reports the capabilities a principal holds. It is provided by
// the host identity system.
type Directory interface {
	Capabilities(ctx context.Context, principalID string) ([]string, error)
}

// StaticDirectory is a Directory backed by a fixed map. Unknown principals
// hold no capabilities.
type StaticDirectory struct {
	principals map[string][]string
}

// NewStaticDirectory creates a directory from a principal to capabilities map.
func NewStaticDirectory(principals map[string][]string) *StaticDirectory {
	m := make(map[string][]string, len(principals))
	for p, caps := range principals {
		m[p] = slices.Clone(caps)
	}
	return &StaticDirectory{principals: m}
}

// Capabilities returns a copy of the principal's capabilities.
func (d *StaticDirectory) Capabilities(_ context.Context, principalID string) ([]string, error) {
	return slices.Clone(d.principals[principalID]), nil
}

// Len returns the number of principals.
func (d *StaticDirectory) Len() int {
	return len(d.principals)
}

// DirectoryFunc adapts a function to the Directory interface.
type DirectoryFunc func(ctx context.Context, principalID string) ([]string, error)

// Capabilities calls f.
func (f DirectoryFunc) Capabilities(ctx context.Context, principalID string) ([]string, error) {
	return f(ctx, principalID)
}

var (
	_ Directory = (*StaticDirectory)(nil)
	_ Directory = DirectoryFunc(nil)
)
