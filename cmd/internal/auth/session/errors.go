package session

import "errors"

var (
	// ErrNotAuthenticated is returned when no credential is held.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNoRefreshToken is returned when a refresh is requested but the
	// credential carries no refresh token. Fatal: the caller must re-authenticate.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrRefreshRejected is returned when the issuer rejects the refresh token.
	// The credential has been cleared; the caller must re-authenticate.
	ErrRefreshRejected = errors.New("refresh rejected")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
