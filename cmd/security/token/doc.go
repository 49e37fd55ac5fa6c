// Package token provides token digest primitives for Relay.
//
// Access and refresh tokens are opaque secrets minted by the external
// identity issuer. They must never appear raw in logs or storage on this
// side of the boundary; this package is the single source of truth for how
// they are digested.
//
// Design goals:
// - Default dev mode: SHA-256(token) when no HMAC key is configured.
// - Production-enforced mode: HMAC-SHA256(token, key) when policy requires it.
// - Stable 64-char hex output for storage and constant-time comparison.
// - Short log digests that identify a token without disclosing it.
//
// Environment:
// - RELAY_TOKEN_HMAC_KEY: when set, enables HMAC mode.
package token
