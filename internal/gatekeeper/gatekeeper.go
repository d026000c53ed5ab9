// Package gatekeeper decides, once per inbound request, whether a caller may
// perform an operation: it verifies the credential, checks the capability
// the operation requires, applies the rate limit and records the decision.
package gatekeeper

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/apigatekeeper/internal/audit"
	"github.com/vyrodovalexey/apigatekeeper/internal/capability"
	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
	"github.com/vyrodovalexey/apigatekeeper/internal/ratelimit"
	"github.com/vyrodovalexey/apigatekeeper/internal/token"
)

// Defaults for Config.
const (
	DefaultRateLimit         = 100
	DefaultSessionCapability = "use_ayu"
)

// Rate limit identity prefixes.
const (
	tokenIdentityPrefix   = "token:"
	sessionIdentityPrefix = "session:"
)

// CheckRequest is one gated request.
type CheckRequest struct {
	Operation  string
	Credential string
	// Session is consulted only when Credential is empty.
	Session    string
	SourceAddr string
}

// Verifier verifies plaintext tokens.
type Verifier interface {
	VerifyToken(ctx context.Context, plaintext string) (*token.Verified, error)
}

// Authorizer checks a subject against the capability table.
type Authorizer interface {
	Authorize(ctx context.Context, sub capability.Subject) (capability.Requirement, error)
}

// Recorder records audit entries. Record must not fail the caller.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry)
}

// Config configures the Gatekeeper.
type Config struct {
	// RateLimit is the number of requests allowed per identity per window.
	RateLimit         int
	SessionCapability string
}

// DefaultConfig returns the default gatekeeper configuration.
func DefaultConfig() Config {
	return Config{
		RateLimit:         DefaultRateLimit,
		SessionCapability: DefaultSessionCapability,
	}
}

// Gatekeeper runs the check pipeline.
type Gatekeeper struct {
	verifier   Verifier
	authorizer Authorizer
	limiter    ratelimit.Limiter
	recorder   Recorder
	sessions   SessionResolver
	cfg        Config
	logger     observability.Logger
	metrics    *Metrics
	tracer     trace.Tracer
}

// Option is a functional option for the Gatekeeper.
type Option func(*Gatekeeper)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gatekeeper) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(g *Gatekeeper) {
		g.metrics = metrics
	}
}

// WithSessions enables the session path for requests without a credential.
func WithSessions(sessions SessionResolver) Option {
	return func(g *Gatekeeper) {
		g.sessions = sessions
	}
}

// WithTracer sets the tracer used for check spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(g *Gatekeeper) {
		g.tracer = tracer
	}
}

// New creates a Gatekeeper.
func New(
	verifier Verifier,
	authorizer Authorizer,
	limiter ratelimit.Limiter,
	recorder Recorder,
	cfg Config,
	opts ...Option,
) *Gatekeeper {
	if cfg.SessionCapability == "" {
		cfg.SessionCapability = DefaultSessionCapability
	}

	g := &Gatekeeper{
		verifier:   verifier,
		authorizer: authorizer,
		limiter:    limiter,
		recorder:   recorder,
		cfg:        cfg,
		logger:     observability.NopLogger(),
		tracer:     otel.Tracer("gatekeeper"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics("", nil)
	}
	return g
}

// identity is the authenticated caller of a check.
type identity struct {
	principalID string
	tokenID     string
	scopes      []string
	// held is set for sessions.
	held []string
}

func (id identity) rateKey() string {
	if id.tokenID != "" {
		return tokenIdentityPrefix + id.tokenID
	}
	return sessionIdentityPrefix + id.principalID
}

// Check decides req. It never returns an error: every failure, including
// an unavailable dependency, becomes a denial. A check whose ctx is
// cancelled before it completes is denied as unavailable and not audited.
func (g *Gatekeeper) Check(ctx context.Context, req CheckRequest) Decision {
	start := time.Now()

	ctx, span := g.tracer.Start(ctx, "gatekeeper.Check",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("gatekeeper.operation", req.Operation),
			attribute.String("gatekeeper.source", req.SourceAddr),
		),
	)
	defer span.End()

	d := g.check(ctx, req)
	d.Operation = req.Operation

	if ctx.Err() != nil {
		d = denied(d.State, d.PrincipalID, ReasonUnavailable)
		d.Operation = req.Operation
	} else {
		g.recorder.Record(ctx, audit.Entry{
			Operation:   req.Operation,
			PrincipalID: d.PrincipalID,
			SourceAddr:  req.SourceAddr,
			Success:     d.Admitted,
			Reason:      string(d.Reason),
		})
	}

	g.metrics.recordDecision(d, time.Since(start))

	span.SetAttributes(
		attribute.Bool("gatekeeper.admitted", d.Admitted),
		attribute.String("gatekeeper.state", string(d.State)),
		attribute.String("gatekeeper.principal", d.PrincipalID),
	)
	if !d.Admitted {
		span.SetAttributes(attribute.String("gatekeeper.reason", string(d.Reason)))
		span.SetStatus(codes.Error, string(d.Reason))
	}

	return d
}

func (g *Gatekeeper) check(ctx context.Context, req CheckRequest) Decision {
	state := StateUnauthenticated
	if strings.TrimSpace(req.Credential) != "" || (g.sessions != nil && req.Session != "") {
		state = StateCredentialExtracted
	}

	id, reason := g.authenticate(ctx, req)
	if reason != ReasonNone {
		if reason == ReasonNoCredential {
			state = StateUnauthenticated
		}
		return denied(state, id.principalID, reason)
	}
	state = StateVerified

	_, err := g.authorizer.Authorize(ctx, capability.Subject{
		PrincipalID: id.principalID,
		Operation:   req.Operation,
		Source:      req.SourceAddr,
		Scopes:      id.scopes,
		Held:        id.held,
	})
	if err != nil {
		if errors.Is(err, capability.ErrInsufficientCapability) || errors.Is(err, capability.ErrConditionFailed) {
			return denied(state, id.principalID, ReasonInsufficientScope)
		}
		if ctx.Err() == nil {
			g.logger.Error("capability check failed",
				observability.String("operation", req.Operation),
				observability.String("principal", id.principalID),
				observability.Error(err),
			)
		}
		return denied(state, id.principalID, ReasonUnavailable)
	}
	state = StateCapabilityChecked

	if ctx.Err() != nil {
		return denied(state, id.principalID, ReasonUnavailable)
	}

	res, err := g.limiter.Allow(ctx, id.rateKey(), g.cfg.RateLimit)
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Error("rate limit check failed",
				observability.String("identity", id.rateKey()),
				observability.Error(err),
			)
		}
		return denied(state, id.principalID, ReasonUnavailable)
	}
	if !res.Allowed {
		d := denied(state, id.principalID, ReasonRateLimited)
		d.TokenID = id.tokenID
		d.RetryAfter = res.RetryAfter
		return d
	}

	return Decision{
		Admitted:    true,
		PrincipalID: id.principalID,
		TokenID:     id.tokenID,
		State:       StateAdmitted,
		Remaining:   res.Remaining,
	}
}

// authenticate resolves the caller from the credential or, without one,
// from the session.
func (g *Gatekeeper) authenticate(ctx context.Context, req CheckRequest) (identity, Reason) {
	if err := ctx.Err(); err != nil {
		return identity{}, ReasonUnavailable
	}

	credential := strings.TrimSpace(req.Credential)
	if credential == "" {
		return g.authenticateSession(ctx, req.Session)
	}

	v, err := g.verifier.VerifyToken(ctx, credential)
	switch {
	case err == nil:
		return identity{principalID: v.PrincipalID, tokenID: v.TokenID, scopes: v.Scopes}, ReasonNone
	case errors.Is(err, token.ErrInvalidFormat):
		return identity{}, ReasonInvalidFormat
	case errors.Is(err, token.ErrInvalidToken):
		return identity{}, ReasonInvalidToken
	case errors.Is(err, token.ErrExpired):
		return identity{}, ReasonExpired
	default:
		if ctx.Err() == nil {
			g.logger.Error("token verification failed", observability.Error(err))
		}
		return identity{}, ReasonUnavailable
	}
}

func (g *Gatekeeper) authenticateSession(ctx context.Context, session string) (identity, Reason) {
	if g.sessions == nil || session == "" {
		return identity{}, ReasonNoCredential
	}

	sess, err := g.sessions.ResolveSession(ctx, session)
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Error("session resolution failed", observability.Error(err))
		}
		return identity{}, ReasonUnavailable
	}
	if sess == nil || sess.PrincipalID == "" || !slices.Contains(sess.Capabilities, g.cfg.SessionCapability) {
		return identity{}, ReasonNoCredential
	}

	held := sess.Capabilities
	if held == nil {
		held = []string{}
	}
	return identity{principalID: sess.PrincipalID, held: held}, ReasonNone
}

func denied(state State, principalID string, reason Reason) Decision {
	return Decision{
		Admitted:    false,
		PrincipalID: principalID,
		Reason:      reason,
		State:       state,
	}
}

// ExtractBearer returns the token of an "Authorization: Bearer <token>"
// header value, or "" when the header is not a bearer credential.
func ExtractBearer(header string) string {
	scheme, credential, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(credential)
}
