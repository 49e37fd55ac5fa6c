package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay/cmd/internal/auth/issuer"

	"golang.org/x/sync/singleflight"
)

// Issuer is the slice of the identity issuer the Manager needs.
type Issuer interface {
	Refresh(ctx context.Context, refreshToken string) (issuer.RefreshResult, error)
}

// Operation is a unit of work that needs a fresh access token.
type Operation func(ctx context.Context, accessToken string) error

// Manager drives the credential lifecycle against the issuer.
//
// Concurrency model: the Store serializes credential state; the singleflight
// group is the only other mutual-exclusion point. An in-flight refresh is not
// cancellable once started; late callers simply await its outcome.
type Manager struct {
	cfg    Config
	issuer Issuer
	store  *Store

	now func() time.Time

	refreshGroup singleflight.Group
}

// NewManager constructs a Manager around a credential store.
func NewManager(cfg Config, iss Issuer, store *Store) *Manager {
	if store == nil {
		store = NewStore()
	}
	return &Manager{
		cfg:    cfg,
		issuer: iss,
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Credential returns a copy of the current credential.
func (m *Manager) Credential() Credential { return m.store.Get() }

// Issue installs the credential from a successful login/registration result.
// ExpiresAt is anchored to local time plus the issuer-declared lifetime.
func (m *Manager) Issue(res issuer.LoginResult) Credential {
	var expiresAt time.Time
	if res.ExpiresIn > 0 {
		expiresAt = m.now().Add(res.ExpiresIn)
	}

	cred := Credential{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    expiresAt,
		Identity:     res.Identity,
	}
	m.store.Set(cred)
	return cred
}

// Logout destroys the credential.
func (m *Manager) Logout() { m.store.Clear() }

// UpdateIdentity refreshes the cached identity record, e.g. after a verify
// round-trip or a second-factor settings change.
func (m *Manager) UpdateIdentity(id issuer.Identity) { m.store.UpdateIdentity(id) }

// IsExpiringSoon reports whether the access token needs a refresh before use.
// An unknown expiry counts as expiring: assume expired rather than silently
// use a possibly stale token.
func (m *Manager) IsExpiringSoon() bool {
	cred := m.store.Get()
	if cred.ExpiresAt.IsZero() {
		return true
	}
	return m.now().After(cred.ExpiresAt.Add(-m.cfg.RefreshSkew))
}

// Refresh exchanges the refresh token for a new access token.
//
// Single-flight: while one exchange is in flight, every concurrent caller
// awaits that same exchange and receives its result, success or failure.
// This keeps concurrent expiry detection from replaying the refresh token.
func (m *Manager) Refresh(ctx context.Context) (Credential, error) {
	v, err, _ := m.refreshGroup.Do("refresh", func() (any, error) {
		return m.refreshOnce(context.WithoutCancel(ctx))
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (m *Manager) refreshOnce(ctx context.Context) (Credential, error) {
	cred := m.store.Get()
	if !cred.Authenticated() {
		return Credential{}, ErrNotAuthenticated
	}
	if cred.RefreshToken == "" {
		return Credential{}, ErrNoRefreshToken
	}

	res, err := m.issuer.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, issuer.ErrRefreshRejected) {
			// The refresh token is dead; holding on to the credential would
			// only produce further failures. Force a clean re-login.
			m.store.Clear()
			return Credential{}, fmt.Errorf("%w: %w", ErrRefreshRejected, err)
		}
		// Transient failure (network, issuer outage): keep the credential.
		return Credential{}, err
	}

	var expiresAt time.Time
	if res.ExpiresIn > 0 {
		expiresAt = m.now().Add(res.ExpiresIn)
	}
	m.store.SetAccessToken(res.AccessToken, expiresAt)

	return m.store.Get(), nil
}

// WithAuth runs op with a fresh access token.
//
// Policy:
//   - If the token is expiring soon, attempt one refresh first (best-effort:
//     a failure here does not abort, op runs with the existing token).
//   - If op reports an authentication failure, refresh exactly once and retry
//     op exactly once. A second authentication failure propagates unchanged.
func (m *Manager) WithAuth(ctx context.Context, op Operation) error {
	cred := m.store.Get()
	if !cred.Authenticated() {
		return ErrNotAuthenticated
	}

	if m.IsExpiringSoon() {
		_, _ = m.Refresh(ctx)
	}

	err := op(ctx, m.store.Get().AccessToken)
	if err == nil || !errors.Is(err, issuer.ErrUnauthorized) {
		return err
	}

	if _, rerr := m.Refresh(ctx); rerr != nil {
		return rerr
	}
	return op(ctx, m.store.Get().AccessToken)
}
