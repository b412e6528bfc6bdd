// Package auth implements the credential and signature utilities that gate
// every panel-to-agent call.
//
// # Service tokens
//
// Short-lived HS256 JWTs carry a service id and a permission set:
//
//	issuer := auth.NewTokenIssuer(secret, []string{"agents.command"})
//	token, err := issuer.IssueToken("panel-api", []string{"agents.command"}, time.Hour)
//	claims, err := issuer.ValidateToken(token)
//
// Validation fails closed. A malformed token, wrong issuer, or bad
// signature returns ErrAuthInvalid; expiry returns ErrAuthExpired. An
// issued token's permission set is always a subset of the issuer's
// grantable set.
//
// # Request signatures
//
// Signed endpoints carry an HMAC-SHA256 signature over the timestamp and
// body. Verification rejects timestamps outside the tolerance window
// before comparing signatures, so captured requests cannot be replayed.
//
// # API keys
//
// Agent API keys use the format bsk_<serviceId>_<32 hex>. The format check
// is deterministic and bound to the service id, and runs before any
// cryptographic work so malformed input fails fast.
package auth
