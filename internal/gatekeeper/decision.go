package gatekeeper

import (
	"net/http"
	"time"
)

// Reason explains a denial. The zero value means admitted.
type Reason string

// Denial reasons.
const (
	ReasonNone              Reason = ""
	ReasonNoCredential      Reason = "no_credential"
	ReasonInvalidFormat     Reason = "invalid_format"
	ReasonInvalidToken      Reason = "invalid_token"
	ReasonExpired           Reason = "expired"
	ReasonInsufficientScope Reason = "insufficient_scope"
	ReasonRateLimited       Reason = "rate_limited"
	ReasonUnavailable       Reason = "unavailable"
)

// Reasons lists every denial reason.
var Reasons = []Reason{
	ReasonNoCredential,
	ReasonInvalidFormat,
	ReasonInvalidToken,
	ReasonExpired,
	ReasonInsufficientScope,
	ReasonRateLimited,
	ReasonUnavailable,
}

// State is a step of a check. A check moves forward through the states in
// declaration order and stops at StateAdmitted or at the state where it was
// denied.
type State string

// Check states.
const (
	StateUnauthenticated     State = "unauthenticated"
	StateCredentialExtracted State = "credential_extracted"
	StateVerified            State = "verified"
	StateCapabilityChecked   State = "capability_checked"
	StateRateChecked         State = "rate_checked"
	StateAdmitted            State = "admitted"
)

// Public messages. Credential failures share one message so callers cannot
// tell a malformed token from a wrong or expired one.
const (
	MessageInvalidCredential  = "invalid or expired credential"
	MessageInsufficientScope  = "insufficient permissions for this operation"
	MessageRateLimited        = "rate limit exceeded"
	MessageServiceUnavailable = "service temporarily unavailable"
)

// Decision is the outcome of a check.
type Decision struct {
	Admitted    bool
	PrincipalID string
	// TokenID is empty for session-authenticated checks.
	TokenID   string
	Operation string
	Reason    Reason
	// State is StateAdmitted, or the state in which the check was denied.
	State      State
	RetryAfter time.Duration
	// Remaining is the number of requests left in the current window.
	Remaining int
}

// Denied reports whether the check was denied.
func (d Decision) Denied() bool {
	return !d.Admitted
}

// CredentialFailure reports whether the denial is about the credential
// itself rather than what it may do.
func (d Decision) CredentialFailure() bool {
	switch d.Reason {
	case ReasonNoCredential, ReasonInvalidFormat, ReasonInvalidToken, ReasonExpired:
		return true
	default:
		return false
	}
}

// PublicMessage returns the message that may be shown to the caller.
func (d Decision) PublicMessage() string {
	if d.Admitted {
		return ""
	}
	switch {
	case d.CredentialFailure():
		return MessageInvalidCredential
	case d.Reason == ReasonInsufficientScope:
		return MessageInsufficientScope
	case d.Reason == ReasonRateLimited:
		return MessageRateLimited
	default:
		return MessageServiceUnavailable
	}
}

// HTTPStatus maps the decision to an HTTP status code.
func (d Decision) HTTPStatus() int {
	if d.Admitted {
		return http.StatusOK
	}
	switch {
	case d.CredentialFailure():
		return http.StatusUnauthorized
	case d.Reason == ReasonInsufficientScope:
		return http.StatusForbidden
	case d.Reason == ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}
