package token

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// Sentinel errors returned by the service and stores.
var (
	// ErrInvalidFormat indicates that the presented string is not shaped like a token.
	ErrInvalidFormat = errors.New("token has invalid format")

	// ErrInvalidToken indicates that no stored token matches the plaintext.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpired indicates that the matching token is past its expiry.
	ErrExpired = errors.New("token expired")

	// ErrPermissionDenied indicates that the caller may not act on the principal's tokens.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound indicates that the token does not exist for the principal.
	ErrNotFound = errors.New("token not found")

	// ErrInvalidRequest indicates a malformed management request.
	ErrInvalidRequest = errors.New("invalid token request")
)

// Token is the persisted record of an issued token. It never contains the
// plaintext.
type Token struct {
	ID          string
	PrincipalID string
	Lookup      string
	SecretHash  string
	Scopes      []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	LastUsedAt  *time.Time
}

// IsExpired reports whether the token is expired at now.
func (t *Token) IsExpired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

// Summary returns the metadata view of the token.
func (t *Token) Summary() Summary {
	s := Summary{
		ID:          t.ID,
		PrincipalID: t.PrincipalID,
		Scopes:      slices.Clone(t.Scopes),
		CreatedAt:   t.CreatedAt,
		ExpiresAt:   t.ExpiresAt,
	}
	if t.LastUsedAt != nil {
		at := *t.LastUsedAt
		s.LastUsedAt = &at
	}
	return s
}

func (t *Token) clone() Token {
	c := *t
	c.Scopes = slices.Clone(t.Scopes)
	if t.LastUsedAt != nil {
		at := *t.LastUsedAt
		c.LastUsedAt = &at
	}
	return c
}

// Summary is the externally visible metadata of a token.
type Summary struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principal"`
	Scopes      []string   `json:"scopes"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
}

// Issued is returned once by CreateToken. Token holds the plaintext.
type Issued struct {
	Token   string  `json:"token"`
	Summary Summary `json:"summary"`
}

// Verified is the result of a successful VerifyToken.
type Verified struct {
	TokenID     string
	PrincipalID string
	Scopes      []string
	ExpiresAt   time.Time
}

// NormalizeScopes trims, deduplicates and sorts scopes. Empty entries are dropped.
func NormalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
