package server

import (
	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// Headers consulted for the caller's address, in order, when the peer is a
// trusted proxy.
const (
	HeaderCFConnectingIP = "CF-Connecting-IP"
	HeaderXRealIP        = "X-Real-IP"
	HeaderXForwardedFor  = "X-Forwarded-For"
)

// UnknownSourceAddr is used when no address can be determined.
const UnknownSourceAddr = "0.0.0.0"

// configureClientIP makes forwarding headers count only when the peer is
// one of trusted. Without trusted proxies the peer address is the source.
// X-Forwarded-For is walked from the right, skipping trusted hops.
func configureClientIP(r *gin.Engine, trusted []string, logger observability.Logger) {
	r.ForwardedByClientIP = true
	r.RemoteIPHeaders = []string{HeaderCFConnectingIP, HeaderXRealIP, HeaderXForwardedFor}
	if err := r.SetTrustedProxies(trusted); err != nil {
		logger.Error("invalid trusted proxies, forwarding headers are ignored", observability.Error(err))
		_ = r.SetTrustedProxies(nil)
	}
}

// SourceAddr returns the caller's address as resolved by configureClientIP.
func SourceAddr(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return UnknownSourceAddr
}
