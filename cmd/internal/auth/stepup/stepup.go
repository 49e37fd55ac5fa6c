// Package stepup drives the email second-factor step-up flow against the
// identity issuer.
//
// The issuer never hands out tokens on a code alone: when a login is
// challenged, the original first-factor proof is held client-side and
// resubmitted together with the code. At most one challenge is pending at a
// time; starting a new login discards it.
package stepup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"relay/cmd/internal/auth/issuer"
	"relay/cmd/internal/auth/session"
)

// CodeLength is the exact number of digits in a second-factor code.
const CodeLength = 6

// State is the observable step-up state.
type State int

const (
	// StateIdle means no challenge is pending.
	StateIdle State = iota
	// StateAwaitingSecondFactor means a login was challenged and the flow is
	// waiting for the emailed code.
	StateAwaitingSecondFactor
)

func (s State) String() string {
	switch s {
	case StateAwaitingSecondFactor:
		return "awaiting_second_factor"
	default:
		return "idle"
	}
}

// Issuer is the slice of the identity issuer the step-up flow needs.
type Issuer interface {
	Login(ctx context.Context, username, password, code string) (issuer.LoginResult, error)
	SetupSecondFactor(ctx context.Context, accessToken, email string) (string, error)
	VerifySecondFactorSetup(ctx context.Context, accessToken, code string) ([]string, error)
	ResendSecondFactorSetup(ctx context.Context, accessToken string) (string, error)
	DisableSecondFactor(ctx context.Context, accessToken, password string) error
}

// Session is the credential sink the flow issues into.
type Session interface {
	Issue(res issuer.LoginResult) session.Credential
	WithAuth(ctx context.Context, op session.Operation) error
	Credential() session.Credential
	UpdateIdentity(id issuer.Identity)
}

// BeginResult is the outcome of a first-factor submission.
type BeginResult struct {
	// SecondFactorRequired marks the challenge branch. When set, EmailHint
	// carries the obscured destination and Credential is zero.
	SecondFactorRequired bool
	EmailHint            string
	Credential           session.Credential
}

// pendingChallenge is the retained first factor awaiting its code. It never
// leaves this package.
type pendingChallenge struct {
	username  string
	password  string
	emailHint string
}

// Authenticator is the step-up state machine. Safe for concurrent use;
// network round-trips run outside the lock so Cancel never blocks on one.
type Authenticator struct {
	issuer Issuer
	sess   Session

	mu      sync.Mutex
	pending *pendingChallenge
}

// New constructs an Authenticator in the idle state.
func New(iss Issuer, sess Session) *Authenticator {
	return &Authenticator{issuer: iss, sess: sess}
}

// State reports the current step-up state.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending != nil {
		return StateAwaitingSecondFactor
	}
	return StateIdle
}

// EmailHint returns the obscured destination of the pending challenge, or ""
// when idle. The full address never reaches this side of the boundary.
func (a *Authenticator) EmailHint() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return ""
	}
	return a.pending.emailHint
}

// Begin submits first-factor credentials. Any prior pending challenge is
// discarded before the attempt.
//
// Outcomes: a credential is issued directly; or the login is challenged and
// the flow moves to StateAwaitingSecondFactor; or the attempt fails
// (issuer.ErrCredentialInvalid and friends) and the flow stays idle.
func (a *Authenticator) Begin(ctx context.Context, username, password string) (BeginResult, error) {
	a.mu.Lock()
	a.pending = nil
	a.mu.Unlock()

	res, err := a.issuer.Login(ctx, username, password, "")
	if err != nil {
		return BeginResult{}, err
	}

	if res.SecondFactorRequired {
		a.mu.Lock()
		a.pending = &pendingChallenge{username: username, password: password, emailHint: res.EmailHint}
		a.mu.Unlock()
		return BeginResult{SecondFactorRequired: true, EmailHint: res.EmailHint}, nil
	}

	return BeginResult{Credential: a.sess.Issue(res)}, nil
}

// Submit completes a pending challenge with the emailed code. The stored
// first factor is resubmitted alongside the code.
//
// A wrong or expired code returns issuer.ErrSecondFactorRejected and leaves
// the challenge pending for another attempt.
func (a *Authenticator) Submit(ctx context.Context, code string) (session.Credential, error) {
	a.mu.Lock()
	p := a.pending
	a.mu.Unlock()
	if p == nil {
		return session.Credential{}, ErrNoPendingChallenge
	}
	if !validCode(code) {
		return session.Credential{}, fmt.Errorf("%w: want %d digits", ErrBadCode, CodeLength)
	}

	res, err := a.issuer.Login(ctx, p.username, p.password, code)
	if err != nil {
		if errors.Is(err, issuer.ErrCredentialInvalid) {
			// The stored first factor itself no longer verifies; the
			// challenge cannot succeed and must be restarted from Begin.
			a.clearIf(p)
		}
		return session.Credential{}, err
	}
	if res.SecondFactorRequired {
		return session.Credential{}, fmt.Errorf("%w: issuer re-challenged", issuer.ErrSecondFactorRejected)
	}

	a.clearIf(p)
	return a.sess.Issue(res), nil
}

// Resend asks the issuer to dispatch a fresh code to the same destination by
// replaying the stored first factor. The challenge stays pending.
func (a *Authenticator) Resend(ctx context.Context) (string, error) {
	a.mu.Lock()
	p := a.pending
	a.mu.Unlock()
	if p == nil {
		return "", ErrNoPendingChallenge
	}

	res, err := a.issuer.Login(ctx, p.username, p.password, "")
	if err != nil {
		if errors.Is(err, issuer.ErrCredentialInvalid) {
			a.clearIf(p)
		}
		return "", err
	}
	if !res.SecondFactorRequired {
		// The issuer stopped challenging this account; complete the login.
		a.clearIf(p)
		a.sess.Issue(res)
		return "", nil
	}

	a.mu.Lock()
	if a.pending == p {
		a.pending.emailHint = res.EmailHint
	}
	a.mu.Unlock()
	return res.EmailHint, nil
}

// Cancel unconditionally discards any pending challenge.
func (a *Authenticator) Cancel() {
	a.mu.Lock()
	a.pending = nil
	a.mu.Unlock()
}

// clearIf drops the pending challenge only if it is still the same one the
// caller operated on; a concurrent Cancel+Begin must not be clobbered.
func (a *Authenticator) clearIf(p *pendingChallenge) {
	a.mu.Lock()
	if a.pending == p {
		a.pending = nil
	}
	a.mu.Unlock()
}

// Setup starts second-factor enrollment for the authenticated user and
// returns the obscured destination hint.
func (a *Authenticator) Setup(ctx context.Context, email string) (string, error) {
	var hint string
	err := a.sess.WithAuth(ctx, func(ctx context.Context, token string) error {
		var err error
		hint, err = a.issuer.SetupSecondFactor(ctx, token, email)
		return err
	})
	return hint, err
}

// VerifySetup confirms enrollment with the emailed code and returns the
// issuer's one-time backup codes. On success the cached identity is marked
// second-factor enabled.
func (a *Authenticator) VerifySetup(ctx context.Context, code string) ([]string, error) {
	if !validCode(code) {
		return nil, fmt.Errorf("%w: want %d digits", ErrBadCode, CodeLength)
	}

	var backup []string
	err := a.sess.WithAuth(ctx, func(ctx context.Context, token string) error {
		var err error
		backup, err = a.issuer.VerifySecondFactorSetup(ctx, token, code)
		return err
	})
	if err != nil {
		return nil, err
	}

	id := a.sess.Credential().Identity
	id.SecondFactorEnabled = true
	a.sess.UpdateIdentity(id)
	return backup, nil
}

// ResendSetup re-dispatches the enrollment code to the same destination.
func (a *Authenticator) ResendSetup(ctx context.Context) (string, error) {
	var hint string
	err := a.sess.WithAuth(ctx, func(ctx context.Context, token string) error {
		var err error
		hint, err = a.issuer.ResendSecondFactorSetup(ctx, token)
		return err
	})
	return hint, err
}

// Disable turns the second factor off. The issuer demands a fresh
// first-factor proof even though the caller is already authenticated.
func (a *Authenticator) Disable(ctx context.Context, password string) error {
	err := a.sess.WithAuth(ctx, func(ctx context.Context, token string) error {
		return a.issuer.DisableSecondFactor(ctx, token, password)
	})
	if err != nil {
		return err
	}

	id := a.sess.Credential().Identity
	id.SecondFactorEnabled = false
	a.sess.UpdateIdentity(id)
	return nil
}

func validCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
