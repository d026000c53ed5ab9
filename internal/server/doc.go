// Package server exposes the gatekeeper over HTTP with gin.
//
// GET /v1/check is a forward-auth endpoint for reverse proxies: the proxy
// forwards the original method and URI (or an explicit operation) together
// with the caller's Authorization header, and the answer's status code
// tells it whether to pass the request on. The /v1/tokens and /v1/audit
// routes are the management API; they go through the same gatekeeper.
package server
