package gatekeeper

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// MinSessionSecretLength is the shortest shared secret accepted for signing
// session assertions.
const MinSessionSecretLength = 32

// DefaultSessionMaxAge bounds how far in the future a session assertion may
// expire.
const DefaultSessionMaxAge = 15 * time.Minute

const sessionKeyContext = "apigatekeeper 2026 session assertion v1"

// ErrWeakSessionSecret is returned when the session secret is too short.
var ErrWeakSessionSecret = errors.New("session secret is too short")

// Session is a principal authenticated outside the token path.
type Session struct {
	PrincipalID  string
	Capabilities []string
}

// SessionResolver resolves an opaque session value. It returns nil and no
// error when the value does not identify a session.
type SessionResolver interface {
	ResolveSession(ctx context.Context, session string) (*Session, error)
}

// SessionFunc adapts a function to SessionResolver.
type SessionFunc func(ctx context.Context, session string) (*Session, error)

// ResolveSession implements SessionResolver.
func (f SessionFunc) ResolveSession(ctx context.Context, session string) (*Session, error) {
	return f(ctx, session)
}

// CapabilityLookup reports the capabilities a principal holds.
type CapabilityLookup interface {
	Capabilities(ctx context.Context, principalID string) ([]string, error)
}

// SignedSessions accepts session assertions minted by a trusted upstream
// holding the shared secret. An assertion has the form
// "<principal>.<unix expiry>.<mac>" where mac is the base64url keyed BLAKE3
// of principal and expiry. Unsigned, tampered, expired or over-long
// assertions are not sessions.
type SignedSessions struct {
	key    []byte
	lookup CapabilityLookup
	maxAge time.Duration
	now    func() time.Time
}

// SessionOption configures SignedSessions.
type SessionOption func(*SignedSessions)

// WithSessionMaxAge caps the remaining lifetime an assertion may claim.
func WithSessionMaxAge(d time.Duration) SessionOption {
	return func(s *SignedSessions) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithSessionClock overrides the clock used for expiry checks.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *SignedSessions) {
		s.now = now
	}
}

// NewSignedSessions creates a resolver verifying assertions signed with
// secret and looking capabilities up in lookup.
func NewSignedSessions(secret []byte, lookup CapabilityLookup, opts ...SessionOption) (*SignedSessions, error) {
	if len(secret) < MinSessionSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes", ErrWeakSessionSecret, MinSessionSecretLength)
	}
	s := &SignedSessions{
		key:    sessionKey(secret),
		lookup: lookup,
		maxAge: DefaultSessionMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ResolveSession implements SessionResolver.
func (s *SignedSessions) ResolveSession(ctx context.Context, session string) (*Session, error) {
	principal, ok := s.verify(session)
	if !ok {
		return nil, nil
	}
	caps, err := s.lookup.Capabilities(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session capabilities: %w", err)
	}
	if len(caps) == 0 {
		return nil, nil
	}
	return &Session{PrincipalID: principal, Capabilities: caps}, nil
}

func (s *SignedSessions) verify(session string) (string, bool) {
	macAt := strings.LastIndexByte(session, '.')
	if macAt <= 0 {
		return "", false
	}
	expAt := strings.LastIndexByte(session[:macAt], '.')
	if expAt <= 0 {
		return "", false
	}
	principal, rawExp, mac := session[:expAt], session[expAt+1:macAt], session[macAt+1:]

	exp, err := strconv.ParseInt(rawExp, 10, 64)
	if err != nil {
		return "", false
	}
	want := sessionMAC(s.key, principal, exp)
	if subtle.ConstantTimeCompare([]byte(mac), []byte(want)) != 1 {
		return "", false
	}

	now := s.now()
	expiresAt := time.Unix(exp, 0)
	if !now.Before(expiresAt) || expiresAt.Sub(now) > s.maxAge {
		return "", false
	}
	return principal, true
}

// SignSession mints an assertion for principal valid until expiresAt. It is
// what a trusted upstream runs before forwarding a request.
func SignSession(secret []byte, principal string, expiresAt time.Time) string {
	exp := expiresAt.Unix()
	return principal + "." + strconv.FormatInt(exp, 10) + "." + sessionMAC(sessionKey(secret), principal, exp)
}

func sessionKey(secret []byte) []byte {
	key := make([]byte, 32)
	blake3.DeriveKey(sessionKeyContext, secret, key)
	return key
}

func sessionMAC(key []byte, principal string, exp int64) string {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		// key is always 32 bytes from sessionKey
		panic(err)
	}
	_, _ = h.WriteString(principal)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strconv.FormatInt(exp, 10))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

var (
	_ SessionResolver = SessionFunc(nil)
	_ SessionResolver = (*SignedSessions)(nil)
)
