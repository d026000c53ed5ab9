package capability

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/vyrodovalexey/apigatekeeper/internal/config"
	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// Authorization errors.
var (
	// ErrInsufficientCapability indicates the principal or token lacks the
	// required capability.
	ErrInsufficientCapability = errors.New("insufficient capability")

	// ErrConditionFailed indicates an operation condition evaluated to false
	// or could not be evaluated.
	ErrConditionFailed = errors.New("capability condition not satisfied")

	// ErrDirectoryUnavailable indicates the directory lookup failed.
	ErrDirectoryUnavailable = errors.New("capability directory unavailable")

	// ErrUnknownScope indicates a token scope the table does not define.
	ErrUnknownScope = errors.New("unknown scope")
)

// ScopeWildcard in a token's scopes grants every capability the principal holds.
const ScopeWildcard = "*"

// Requirement is the resolved authorization requirement of an operation.
type Requirement struct {
	Operation  string
	Capability string
	// Condition reports whether a CEL condition applies.
	Condition bool
	// Mapped is false when the table default was used.
	Mapped bool
}

// Subject is an authorization request.
type Subject struct {
	PrincipalID string
	Operation   string
	Source      string
	// Scopes restricts a token to a subset of the principal's capabilities.
	// A scope names a capability or a scope category from the table.
	// Empty means unrestricted.
	Scopes []string
	// Held, when non-nil, is used instead of a directory lookup.
	Held []string
}

type snapshot struct {
	table      *Table
	routes     *RouteMap
	conditions *Conditions
	principals *StaticDirectory
}

// Resolver resolves operations against the active table.
type Resolver struct {
	current   atomic.Pointer[snapshot]
	directory Directory
	logger    observability.Logger
	metrics   *Metrics
}

// Option is a functional option for the resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(r *Resolver) {
		r.metrics = metrics
	}
}

// WithDirectory sets an external directory. It takes precedence over the
// table's principals section.
func WithDirectory(directory Directory) Option {
	return func(r *Resolver) {
		r.directory = directory
	}
}

// NewResolver creates a resolver serving table. A nil table selects DefaultTable.
func NewResolver(table *Table, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics("", nil)
	}

	if table == nil {
		table = DefaultTable()
	}
	if err := r.Swap(table); err != nil {
		return nil, err
	}
	return r, nil
}

// Swap validates and atomically installs a new table.
func (r *Resolver) Swap(table *Table) error {
	if err := table.Validate(); err != nil {
		return err
	}
	conditions, err := CompileConditions(table.Conditions)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTable, err)
	}

	t := table.Clone()
	snap := &snapshot{
		table:      t,
		routes:     NewRouteMap(t.Routes),
		conditions: conditions,
	}
	if len(t.Principals) > 0 {
		snap.principals = NewStaticDirectory(t.Principals)
	}
	r.current.Store(snap)
	r.metrics.operations.Set(float64(len(t.Operations)))
	return nil
}

// Reload loads the table at path and installs it. On error the active
// table is kept.
func (r *Resolver) Reload(path string) error {
	table, err := LoadTable(path)
	if err == nil {
		err = r.Swap(table)
	}
	if err != nil {
		r.metrics.reloadsTotal.WithLabelValues("error").Inc()
		return err
	}

	r.metrics.reloadsTotal.WithLabelValues("success").Inc()
	r.logger.Info("capability table loaded",
		observability.String("path", path),
		observability.Int("operations", len(table.Operations)),
		observability.Int("routes", len(table.Routes)),
	)
	return nil
}

// Watch reloads the table whenever the file at path changes. The returned
// watcher must be stopped by the caller.
func (r *Resolver) Watch(ctx context.Context, path string, opts ...config.WatcherOption) (*config.Watcher, error) {
	opts = append([]config.WatcherOption{config.WithLogger(r.logger)}, opts...)
	w, err := config.NewWatcher(path, r.Reload, opts...)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Stop()
		return nil, err
	}
	return w, nil
}

// Table returns a copy of the active table.
func (r *Resolver) Table() *Table {
	return r.current.Load().table.Clone()
}

// RequiredCapability returns the capability required for op.
func (r *Resolver) RequiredCapability(op string) string {
	return r.Resolve(op).Capability
}

// Resolve returns the requirement for op.
func (r *Resolver) Resolve(op string) Requirement {
	return resolve(r.current.Load(), op)
}

func resolve(snap *snapshot, op string) Requirement {
	req := Requirement{Operation: op, Condition: snap.conditions.Has(op)}
	if c, ok := snap.table.Capability(op); ok {
		req.Capability = c
		req.Mapped = true
		return req
	}
	req.Capability = snap.table.Default
	return req
}

// Operation maps a request method and path to an operation name.
func (r *Resolver) Operation(method, path string) string {
	return r.current.Load().routes.Operation(method, path)
}

// Capabilities returns the capabilities the principal holds according to
// the configured directory. Without a directory it returns none.
func (r *Resolver) Capabilities(ctx context.Context, principalID string) ([]string, error) {
	dir := r.directoryFor(r.current.Load())
	if dir == nil {
		return nil, nil
	}
	return dir.Capabilities(ctx, principalID)
}

func (r *Resolver) directoryFor(snap *snapshot) Directory {
	if r.directory != nil {
		return r.directory
	}
	if snap.principals != nil {
		return snap.principals
	}
	return nil
}

// Authorize checks sub against the requirement of its operation. The held
// set is sub.Held when given, else the directory's answer, else the token
// scopes. When a directory answered, non-empty token scopes must also grant
// the capability. Conditions are evaluated last.
func (r *Resolver) Authorize(ctx context.Context, sub Subject) (Requirement, error) {
	snap := r.current.Load()
	req := resolve(snap, sub.Operation)

	if err := r.checkHeld(ctx, snap, sub, req); err != nil {
		return req, err
	}

	if req.Condition {
		ok, err := snap.conditions.Evaluate(Input{
			Principal: sub.PrincipalID,
			Operation: sub.Operation,
			Source:    sub.Source,
			Scopes:    sub.Scopes,
		})
		if err != nil {
			r.metrics.denialsTotal.WithLabelValues("condition").Inc()
			r.logger.Warn("capability condition evaluation failed",
				observability.String("operation", sub.Operation),
				observability.Error(err),
			)
			return req, fmt.Errorf("%w: %w", ErrConditionFailed, err)
		}
		if !ok {
			r.metrics.denialsTotal.WithLabelValues("condition").Inc()
			return req, ErrConditionFailed
		}
	}

	return req, nil
}

func (r *Resolver) checkHeld(ctx context.Context, snap *snapshot, sub Subject, req Requirement) error {
	if sub.Held != nil {
		if !slices.Contains(sub.Held, req.Capability) {
			r.metrics.denialsTotal.WithLabelValues("capability").Inc()
			return ErrInsufficientCapability
		}
		return nil
	}

	dir := r.directoryFor(snap)
	if dir == nil {
		if !grants(snap.table, sub.Scopes, req) {
			r.metrics.denialsTotal.WithLabelValues("scope").Inc()
			return ErrInsufficientCapability
		}
		return nil
	}

	caps, err := dir.Capabilities(ctx, sub.PrincipalID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	if !slices.Contains(caps, req.Capability) {
		r.metrics.denialsTotal.WithLabelValues("capability").Inc()
		return ErrInsufficientCapability
	}
	if len(sub.Scopes) > 0 && !grants(snap.table, sub.Scopes, req) {
		r.metrics.denialsTotal.WithLabelValues("scope").Inc()
		return ErrInsufficientCapability
	}
	return nil
}

// ValidateScopes rejects scopes the active table does not know.
func (r *Resolver) ValidateScopes(scopes []string) error {
	table := r.current.Load().table
	var unknown []string
	for _, scope := range scopes {
		if !table.KnownScope(scope) {
			unknown = append(unknown, scope)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownScope, strings.Join(unknown, ", "))
	}
	return nil
}

// grants reports whether any scope covers req, either by naming its
// capability directly or through a scope category listing the operation
// or the capability.
func grants(table *Table, scopes []string, req Requirement) bool {
	for _, scope := range scopes {
		if scope == ScopeWildcard || scope == req.Capability {
			return true
		}
		covers := table.Scopes[scope]
		if slices.Contains(covers, req.Operation) || slices.Contains(covers, req.Capability) {
			return true
		}
	}
	return false
}
