// Package auth provides pluggable authentication primitives used by the
// streaming HTTP transport.
//
// The public surface intentionally stays small: an Authenticator validates an
// incoming bearer token string and returns a UserInfo (or an error). The
// transport is responsible for extracting the token from the HTTP request and
// mapping sentinel errors into Bearer challenges.
//
// # Session binding
//
// When a session is created, IdentityOf captures the caller's
// (claim type, claim value, issuer) triple. Subsequent requests carrying the
// same Mcp-Session-Id must present an identity for which SameAs reports true,
// otherwise the transport answers 403.
//
// JWT access token validation lives in the jwtauth subpackage.
package auth
