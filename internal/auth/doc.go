// ABOUTME: Package documentation for gateway authentication
// ABOUTME: Covers JWT verification and the HTTP middleware

// Package auth authenticates HTTP callers of the gateway.
//
// Callers present an HS256 JWT as a bearer token. The "sub" claim becomes
// the caller id and the optional "caller_type" claim the caller type; both
// are available to handlers through FromContext. Authentication is enabled
// only when auth.jwt_secret is configured, and the health endpoint always
// stays open.
package auth
