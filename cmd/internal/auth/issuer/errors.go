package issuer

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialInvalid is returned when the issuer rejects the username/password pair.
	ErrCredentialInvalid = errors.New("invalid credentials")

	// ErrSecondFactorRejected is returned when the issuer rejects a second-factor code.
	ErrSecondFactorRejected = errors.New("second factor rejected")

	// ErrRefreshRejected is returned when the issuer rejects a refresh token.
	// Callers must clear local credential state and re-authenticate.
	ErrRefreshRejected = errors.New("refresh token rejected")

	// ErrUnauthorized is returned when the issuer rejects an access token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrIssuer is returned for transport failures and unexpected issuer responses.
	ErrIssuer = errors.New("issuer unavailable")
)

// APIError carries the issuer's machine-readable failure reason.
type APIError struct {
	Kind   error
	Status int
	Reason string
}

func (e APIError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("issuer: %v (status %d)", e.Kind, e.Status)
	}
	return fmt.Sprintf("issuer: %v (status %d): %s", e.Kind, e.Status, e.Reason)
}

func (e APIError) Unwrap() error { return e.Kind }
