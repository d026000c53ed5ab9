package server

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/apigatekeeper/internal/audit"
	"github.com/vyrodovalexey/apigatekeeper/internal/capability"
	"github.com/vyrodovalexey/apigatekeeper/internal/gatekeeper"
	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
	"github.com/vyrodovalexey/apigatekeeper/internal/token"
)

// Forward-auth request and response headers.
const (
	HeaderOperation      = "X-Gatekeeper-Operation"
	HeaderOriginalMethod = "X-Original-Method"
	HeaderOriginalURI    = "X-Original-URI"
	HeaderPrincipal      = "X-Gatekeeper-Principal"
	HeaderRemaining      = "X-RateLimit-Remaining"
	HeaderRetryAfter     = "Retry-After"
	HeaderAuthenticate   = "WWW-Authenticate"
)

// Checker runs the gatekeeper pipeline.
type Checker interface {
	Check(ctx context.Context, req gatekeeper.CheckRequest) gatekeeper.Decision
}

// OperationResolver maps a method and path to an operation name.
type OperationResolver interface {
	Operation(method, path string) string
}

// TokenManager is the token management surface.
type TokenManager interface {
	CreateToken(ctx context.Context, caller, principalID string, scopes []string, expiresAt *time.Time) (*token.Issued, error)
	ListTokens(ctx context.Context, caller, principalID string) ([]token.Summary, error)
	RevokeToken(ctx context.Context, caller, principalID, tokenID string) error
}

// AuditReader reads the audit trail.
type AuditReader interface {
	RecentEntries(ctx context.Context, limit int) ([]audit.Entry, error)
	Count(ctx context.Context) (int, error)
}

type errorBody struct {
	Error string `json:"error"`
}

type checkResponse struct {
	Admitted  bool   `json:"admitted"`
	Principal string `json:"principal"`
	Operation string `json:"operation"`
}

type createTokenRequest struct {
	Principal string     `json:"principal"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

type listTokensResponse struct {
	Tokens []token.Summary `json:"tokens"`
}

type auditResponse struct {
	Entries []audit.Entry `json:"entries"`
	Total   int           `json:"total"`
}

type handlers struct {
	gate          Checker
	operations    OperationResolver
	tokens        TokenManager
	audit         AuditReader
	sessionHeader string
	logger        observability.Logger
}

// operation determines the operation being gated from the forward-auth
// headers. Requests naming neither an operation nor an original URI are
// treated as unknown, which requires the default capability.
func (h *handlers) operation(r *http.Request) string {
	if op := r.Header.Get(HeaderOperation); op != "" {
		return op
	}
	uri := r.Header.Get(HeaderOriginalURI)
	if uri == "" {
		return capability.UnknownOperation
	}
	method := r.Header.Get(HeaderOriginalMethod)
	if method == "" {
		method = http.MethodGet
	}
	return h.operations.Operation(method, uri)
}

func (h *handlers) gateRequest(c *gin.Context, op string) gatekeeper.Decision {
	req := gatekeeper.CheckRequest{
		Operation:  op,
		Credential: gatekeeper.ExtractBearer(c.GetHeader("Authorization")),
		SourceAddr: SourceAddr(c),
	}
	if h.sessionHeader != "" {
		req.Session = c.GetHeader(h.sessionHeader)
	}
	return h.gate.Check(c.Request.Context(), req)
}

// deny writes the public response for a denied decision.
func deny(c *gin.Context, d gatekeeper.Decision) {
	switch {
	case d.Reason == gatekeeper.ReasonRateLimited:
		c.Header(HeaderRetryAfter, retryAfterSeconds(d.RetryAfter))
	case d.CredentialFailure():
		c.Header(HeaderAuthenticate, `Bearer realm="gatekeeper"`)
	}
	c.AbortWithStatusJSON(d.HTTPStatus(), errorBody{Error: d.PublicMessage()})
}

// retryAfterSeconds rounds up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// check serves GET /v1/check.
func (h *handlers) check(c *gin.Context) {
	op := h.operation(c.Request)
	d := h.gateRequest(c, op)
	if d.Denied() {
		deny(c, d)
		return
	}

	c.Header(HeaderPrincipal, d.PrincipalID)
	c.Header(HeaderRemaining, strconv.Itoa(d.Remaining))
	c.JSON(http.StatusOK, checkResponse{Admitted: true, Principal: d.PrincipalID, Operation: op})
}

// admit runs the gatekeeper for a management route and writes the denial
// when it does not pass.
func (h *handlers) admit(c *gin.Context, op string) (gatekeeper.Decision, bool) {
	d := h.gateRequest(c, op)
	if d.Denied() {
		deny(c, d)
		return d, false
	}
	c.Header(HeaderRemaining, strconv.Itoa(d.Remaining))
	return d, true
}

// target is the principal a management call acts on: the explicit one, or
// the caller.
func target(explicit string, d gatekeeper.Decision) string {
	if explicit != "" {
		return explicit
	}
	return d.PrincipalID
}

func (h *handlers) tokenError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, token.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, errorBody{Error: gatekeeper.MessageInsufficientScope})
	case errors.Is(err, token.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody{Error: "token not found"})
	case errors.Is(err, token.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		h.logger.Error("token operation failed",
			observability.String("request_id", GetRequestID(c)),
			observability.Error(err),
		)
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: gatekeeper.MessageServiceUnavailable})
	}
}

// createToken serves POST /v1/tokens.
func (h *handlers) createToken(c *gin.Context) {
	d, ok := h.admit(c, capability.OpCreateToken)
	if !ok {
		return
	}

	var req createTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	issued, err := h.tokens.CreateToken(c.Request.Context(), d.PrincipalID, target(req.Principal, d), req.Scopes, req.ExpiresAt)
	if err != nil {
		h.tokenError(c, err)
		return
	}

	h.logger.Info("token created",
		observability.String("caller", d.PrincipalID),
		observability.String("principal", issued.Summary.PrincipalID),
		observability.String("token_id", issued.Summary.ID),
	)
	c.JSON(http.StatusCreated, issued)
}

// listTokens serves GET /v1/tokens.
func (h *handlers) listTokens(c *gin.Context) {
	d, ok := h.admit(c, capability.OpListTokens)
	if !ok {
		return
	}

	summaries, err := h.tokens.ListTokens(c.Request.Context(), d.PrincipalID, target(c.Query("principal"), d))
	if err != nil {
		h.tokenError(c, err)
		return
	}
	if summaries == nil {
		summaries = []token.Summary{}
	}
	c.JSON(http.StatusOK, listTokensResponse{Tokens: summaries})
}

// revokeToken serves DELETE /v1/tokens/:id.
func (h *handlers) revokeToken(c *gin.Context) {
	d, ok := h.admit(c, capability.OpRevokeToken)
	if !ok {
		return
	}

	tokenID := c.Param("id")
	err := h.tokens.RevokeToken(c.Request.Context(), d.PrincipalID, target(c.Query("principal"), d), tokenID)
	if err != nil {
		h.tokenError(c, err)
		return
	}

	h.logger.Info("token revoked",
		observability.String("caller", d.PrincipalID),
		observability.String("token_id", tokenID),
	)
	c.Status(http.StatusNoContent)
}

// readAudit serves GET /v1/audit.
func (h *handlers) readAudit(c *gin.Context) {
	if _, ok := h.admit(c, capability.OpReadAudit); !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	entries, err := h.audit.RecentEntries(ctx, limit)
	if err == nil {
		var total int
		total, err = h.audit.Count(ctx)
		if err == nil {
			if entries == nil {
				entries = []audit.Entry{}
			}
			c.JSON(http.StatusOK, auditResponse{Entries: entries, Total: total})
			return
		}
	}

	h.logger.Error("audit read failed", observability.Error(err))
	_ = c.Error(err)
	c.JSON(http.StatusServiceUnavailable, errorBody{Error: gatekeeper.MessageServiceUnavailable})
}
