package stepup

import "errors"

var (
	// ErrNoPendingChallenge is returned when Submit or Resend is called
	// outside the awaiting-second-factor state.
	ErrNoPendingChallenge = errors.New("no pending second-factor challenge")

	// ErrBadCode is returned before any network round-trip when the submitted
	// code does not have the expected shape.
	ErrBadCode = errors.New("malformed second-factor code")
)
