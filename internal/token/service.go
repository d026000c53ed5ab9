package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// Service defaults.
const (
	DefaultPrefix            = "ayu_"
	DefaultLifetime          = 90 * 24 * time.Hour
	DefaultMaxLifetime       = 365 * 24 * time.Hour
	DefaultAdminCapability   = "manage_options"
	DefaultMaxCandidates     = 64
	DefaultMaxPendingTouches = 256
	DefaultTouchTimeout      = 5 * time.Second

	minLifetime = time.Second
)

// CapabilityLookup reports the capabilities a principal holds. It is used
// to decide whether a caller may manage another principal's tokens.
type CapabilityLookup interface {
	Capabilities(ctx context.Context, principalID string) ([]string, error)
}

// ScopeValidator rejects scopes that cannot be placed on a token.
type ScopeValidator interface {
	ValidateScopes(scopes []string) error
}

// Config configures the token service.
type Config struct {
	Prefix            string
	DefaultLifetime   time.Duration
	MaxLifetime       time.Duration
	AdminCapability   string
	MaxCandidates     int
	MaxPendingTouches int
	TouchTimeout      time.Duration
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:            DefaultPrefix,
		DefaultLifetime:   DefaultLifetime,
		MaxLifetime:       DefaultMaxLifetime,
		AdminCapability:   DefaultAdminCapability,
		MaxCandidates:     DefaultMaxCandidates,
		MaxPendingTouches: DefaultMaxPendingTouches,
		TouchTimeout:      DefaultTouchTimeout,
	}
}

// Service issues, verifies, lists and revokes tokens.
type Service struct {
	cfg       Config
	format    Format
	store     Store
	hasher    Hasher
	directory CapabilityLookup
	scopes    ScopeValidator
	logger    observability.Logger
	metrics   *Metrics
	now       func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	touchMu  sync.Mutex
	touchSem chan struct{}
	touches  sync.WaitGroup
	closed   bool
}

// Option is a functional option for the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// WithHasher sets the hasher. The default is unpeppered SHA-256.
func WithHasher(hasher Hasher) Option {
	return func(s *Service) {
		s.hasher = hasher
	}
}

// WithDirectory sets the capability lookup used for admin checks. Without
// one, callers can only manage their own tokens.
func WithDirectory(directory CapabilityLookup) Option {
	return func(s *Service) {
		s.directory = directory
	}
}

// WithScopeValidator rejects unknown scopes at issuance. Without one any
// scope is stored as given.
func WithScopeValidator(v ScopeValidator) Option {
	return func(s *Service) {
		s.scopes = v
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a token service on store.
func NewService(store Store, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("token store is required")
	}
	if cfg.Prefix == "" {
		return nil, errors.New("token prefix is required")
	}
	if cfg.DefaultLifetime <= 0 || cfg.MaxLifetime < cfg.DefaultLifetime {
		return nil, fmt.Errorf("invalid token lifetimes: default %s, max %s", cfg.DefaultLifetime, cfg.MaxLifetime)
	}
	if cfg.AdminCapability == "" {
		cfg.AdminCapability = DefaultAdminCapability
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	if cfg.MaxPendingTouches <= 0 {
		cfg.MaxPendingTouches = DefaultMaxPendingTouches
	}
	if cfg.TouchTimeout <= 0 {
		cfg.TouchTimeout = DefaultTouchTimeout
	}

	s := &Service{
		cfg:      cfg,
		format:   NewFormat(cfg.Prefix),
		store:    store,
		logger:   observability.NopLogger(),
		now:      time.Now,
		entropy:  ulid.Monotonic(rand.Reader, 0),
		touchSem: make(chan struct{}, cfg.MaxPendingTouches),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.hasher == nil {
		s.hasher = &sha256Hasher{}
	}
	if s.metrics == nil {
		s.metrics = NewMetrics("", nil)
	}

	return s, nil
}

// Format returns the plaintext format accepted by the service.
func (s *Service) Format() Format {
	return s.format
}

// CreateToken issues a token for principalID. The caller must be the
// principal itself or hold the admin capability. A nil requestedExpiry
// selects the default lifetime; otherwise the expiry is clamped to
// [now+1s, now+MaxLifetime]. The plaintext is returned only here.
func (s *Service) CreateToken(
	ctx context.Context,
	caller, principalID string,
	scopes []string,
	requestedExpiry *time.Time,
) (*Issued, error) {
	if principalID == "" {
		return nil, fmt.Errorf("%w: principal is required", ErrInvalidRequest)
	}
	if err := s.authorize(ctx, caller, principalID); err != nil {
		return nil, err
	}
	scopes = NormalizeScopes(scopes)
	if s.scopes != nil {
		if err := s.scopes.ValidateScopes(scopes); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	now := s.now()
	plaintext, err := s.format.Generate()
	if err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to hash token: %w", err)
	}
	id, err := s.newID(now)
	if err != nil {
		return nil, err
	}

	t := Token{
		ID:          id,
		PrincipalID: principalID,
		Lookup:      s.format.Lookup(plaintext),
		SecretHash:  hash,
		Scopes:      scopes,
		CreatedAt:   now,
		ExpiresAt:   s.expiry(now, requestedExpiry),
	}
	if err := s.store.Save(ctx, principalID, t); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	s.metrics.issuedTotal.Inc()
	s.logger.Info("token issued",
		observability.String("token_id", t.ID),
		observability.String("principal", principalID),
		observability.String("caller", caller),
		observability.Time("expires_at", t.ExpiresAt),
	)

	return &Issued{Token: plaintext, Summary: t.Summary()}, nil
}

func (s *Service) expiry(now time.Time, requested *time.Time) time.Time {
	if requested == nil {
		return now.Add(s.cfg.DefaultLifetime)
	}
	lo := now.Add(minLifetime)
	hi := now.Add(s.cfg.MaxLifetime)
	switch {
	case requested.Before(lo):
		return lo
	case requested.After(hi):
		return hi
	default:
		return *requested
	}
}

// VerifyToken resolves a plaintext token to its principal. It returns
// ErrInvalidFormat, ErrInvalidToken or ErrExpired for credential failures
// and a wrapped error when the store cannot be consulted.
func (s *Service) VerifyToken(ctx context.Context, plaintext string) (*Verified, error) {
	start := time.Now()

	if !s.format.Valid(plaintext) {
		s.metrics.recordVerification(resultInvalidFormat, time.Since(start))
		return nil, ErrInvalidFormat
	}

	candidates, err := s.store.FindByLookup(ctx, s.format.Lookup(plaintext), s.cfg.MaxCandidates)
	if err != nil {
		s.metrics.recordVerification(resultStoreError, time.Since(start))
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	now := s.now()
	for i := range candidates {
		c := &candidates[i]
		if !s.hasher.Compare(c.SecretHash, plaintext) {
			continue
		}
		if c.IsExpired(now) {
			s.metrics.recordVerification(resultExpired, time.Since(start))
			return nil, ErrExpired
		}

		s.touchAsync(c.PrincipalID, c.ID, now)
		s.metrics.recordVerification(resultValid, time.Since(start))
		s.logger.Debug("token verified",
			observability.String("token_id", c.ID),
			observability.String("principal", c.PrincipalID),
		)
		return &Verified{
			TokenID:     c.ID,
			PrincipalID: c.PrincipalID,
			Scopes:      slices.Clone(c.Scopes),
			ExpiresAt:   c.ExpiresAt,
		}, nil
	}

	s.metrics.recordVerification(resultInvalid, time.Since(start))
	return nil, ErrInvalidToken
}

// RevokeToken deletes one of principalID's tokens.
func (s *Service) RevokeToken(ctx context.Context, caller, principalID, tokenID string) error {
	if err := s.authorize(ctx, caller, principalID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, principalID, tokenID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	s.metrics.revokedTotal.Inc()
	s.logger.Info("token revoked",
		observability.String("token_id", tokenID),
		observability.String("principal", principalID),
		observability.String("caller", caller),
	)
	return nil
}

// ListTokens returns the metadata of principalID's tokens ordered by creation.
func (s *Service) ListTokens(ctx context.Context, caller, principalID string) ([]Summary, error) {
	if err := s.authorize(ctx, caller, principalID); err != nil {
		return nil, err
	}

	tokens, err := s.store.Load(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	sortByCreated(tokens)

	out := make([]Summary, 0, len(tokens))
	for i := range tokens {
		out = append(out, tokens[i].Summary())
	}
	return out, nil
}

// PurgeExpired removes all expired tokens.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	n, err := s.store.PurgeExpired(ctx, s.now())
	if err != nil {
		return n, fmt.Errorf("failed to purge expired tokens: %w", err)
	}
	return n, nil
}

// Close waits for in-flight last-used updates. Later verifications skip them.
func (s *Service) Close() {
	s.touchMu.Lock()
	s.closed = true
	s.touchMu.Unlock()
	s.touches.Wait()
}

func (s *Service) authorize(ctx context.Context, caller, principalID string) error {
	if caller == "" {
		return ErrPermissionDenied
	}
	if caller == principalID {
		return nil
	}
	if s.directory == nil {
		return ErrPermissionDenied
	}

	caps, err := s.directory.Capabilities(ctx, caller)
	if err != nil {
		return fmt.Errorf("failed to resolve caller capabilities: %w", err)
	}
	if !slices.Contains(caps, s.cfg.AdminCapability) {
		return ErrPermissionDenied
	}
	return nil
}

func (s *Service) touchAsync(principalID, tokenID string, at time.Time) {
	s.touchMu.Lock()
	if s.closed {
		s.touchMu.Unlock()
		return
	}
	select {
	case s.touchSem <- struct{}{}:
	default:
		s.touchMu.Unlock()
		s.metrics.touchesDropped.Inc()
		return
	}
	s.touches.Add(1)
	s.touchMu.Unlock()

	go func() {
		defer func() {
			<-s.touchSem
			s.touches.Done()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TouchTimeout)
		defer cancel()

		if err := s.store.Touch(ctx, principalID, tokenID, at); err != nil {
			s.logger.Warn("failed to record token use",
				observability.String("token_id", tokenID),
				observability.Error(err),
			)
		}
	}()
}

func (s *Service) newID(now time.Time) (string, error) {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate token id: %w", err)
	}
	return id.String(), nil
}
