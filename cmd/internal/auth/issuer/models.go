package issuer

import "time"

// Identity is the issuer-owned profile record. Relay holds read-only cached
// copies; the issuer remains authoritative.
type Identity struct {
	Username            string
	DisplayName         string
	AvatarColor         string
	NameColor           string
	AvatarRef           string
	SecondFactorEnabled bool
}

// LoginResult is the outcome of a first-factor (and optional second-factor) login.
//
// SecondFactorRequired is a flow branch, not an error: the issuer accepted the
// first factor and dispatched a one-time code to the obscured destination in
// EmailHint. No tokens are present in that case.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Identity     Identity

	SecondFactorRequired bool
	EmailHint            string
}

// RefreshResult is the outcome of exchanging a refresh token.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// ---- wire models ----

type userJSON struct {
	Username            string `json:"username"`
	DisplayName         string `json:"displayName"`
	AvatarColor         string `json:"avatarColor"`
	NameColor           string `json:"nameColor"`
	AvatarURL           string `json:"avatarUrl"`
	SecondFactorEnabled bool   `json:"email2FAEnabled"`
}

func (u userJSON) identity() Identity {
	return Identity{
		Username:            u.Username,
		DisplayName:         u.DisplayName,
		AvatarColor:         u.AvatarColor,
		NameColor:           u.NameColor,
		AvatarRef:           u.AvatarURL,
		SecondFactorEnabled: u.SecondFactorEnabled,
	}
}

type loginRequestJSON struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Code     string `json:"email_2fa_code,omitempty"`
}

type loginResponseJSON struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int64    `json:"expires_in"`
	User         userJSON `json:"user"`

	Requires2FA bool   `json:"requires_2fa"`
	EmailHint   string `json:"email_hint"`

	Error string `json:"error"`
}

type refreshRequestJSON struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponseJSON struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Error       string `json:"error"`
}

type verifyResponseJSON struct {
	Valid bool     `json:"valid"`
	User  userJSON `json:"user"`
	Error string   `json:"error"`
}

type setupRequestJSON struct {
	Email string `json:"email"`
}

type codeRequestJSON struct {
	Code string `json:"code"`
}

type passwordRequestJSON struct {
	Password string `json:"password"`
}

type twoFactorResponseJSON struct {
	EmailHint   string   `json:"email_hint"`
	BackupCodes []string `json:"backupCodes"`
	Error       string   `json:"error"`
}
