package session

import (
	"sync"
	"time"

	"relay/cmd/internal/auth/issuer"
)

// Credential is the token pair plus the cached identity record.
//
// Invariant: AccessToken empty => Identity empty. ExpiresAt may be zero when
// the issuer declared no lifetime; the Manager treats that as already
// expiring (fail-safe toward refreshing rather than using a stale token).
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Identity     issuer.Identity
}

// Authenticated reports whether an access token is held.
func (c Credential) Authenticated() bool { return c.AccessToken != "" }

// Store is the single owner of the current Credential.
//
// It is a pure state container: no I/O, no timers. Mutation goes through the
// Manager (issue/refresh/logout) so that token state can never fork.
type Store struct {
	mu   sync.RWMutex
	cred Credential
}

// NewStore constructs an empty credential store.
func NewStore() *Store { return &Store{} }

// Get returns a copy of the current credential.
func (s *Store) Get() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

// Set replaces the credential wholesale.
func (s *Store) Set(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = c
}

// Clear destroys the credential and the cached identity with it.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = Credential{}
}

// SetAccessToken swaps in a rotated access token, keeping the refresh token
// and identity intact.
func (s *Store) SetAccessToken(token string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred.AccessToken = token
	s.cred.ExpiresAt = expiresAt
}

// UpdateIdentity refreshes the cached identity copy. No-op when the
// credential has been cleared, to preserve the no-token-no-identity invariant.
func (s *Store) UpdateIdentity(id issuer.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred.AccessToken == "" {
		return
	}
	s.cred.Identity = id
}
