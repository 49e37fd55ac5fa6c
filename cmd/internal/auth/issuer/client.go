// Package issuer is the HTTP client for the external identity issuer.
//
// The issuer owns user records, password verification, token minting, and
// second-factor code dispatch. Relay only consumes its JSON API; access and
// refresh tokens are opaque strings on this side of the boundary.
package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout     = 10 * time.Second
	maxResponseBytes   = 1 << 20
	loginPath          = "/api/login"
	refreshPath        = "/api/refresh"
	verifyPath         = "/api/verify"
	twoFactorSetupPath = "/api/account/2fa/setup"
	twoFactorVerify    = "/api/account/2fa/verify"
	twoFactorResend    = "/api/account/2fa/resend"
	twoFactorDisable   = "/api/account/2fa/disable"
)

// Client talks to the identity issuer. Safe for concurrent use.
type Client struct {
	baseURL string
	httpc   *http.Client
	timeout time.Duration
}

// Option configures Client behavior.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (tests, custom transports).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpc = h
		}
	}
}

// WithTimeout sets the per-request timeout. Every issuer call is bounded:
// a hung issuer must fail explicitly, never stall a handshake or refresh.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New constructs an issuer client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("issuer: empty base URL")
	}

	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Login submits first-factor credentials, optionally with a second-factor code.
//
// Submitting the code together with the original credentials is deliberate:
// the code alone must never be sufficient to obtain tokens.
func (c *Client) Login(ctx context.Context, username, password, code string) (LoginResult, error) {
	var resp loginResponseJSON
	status, err := c.do(ctx, http.MethodPost, loginPath, "", loginRequestJSON{
		Username: username,
		Password: password,
		Code:     code,
	}, &resp)
	if err != nil {
		return LoginResult{}, err
	}

	switch {
	case status == http.StatusOK && resp.Requires2FA:
		return LoginResult{SecondFactorRequired: true, EmailHint: resp.EmailHint}, nil

	case status == http.StatusOK || status == http.StatusCreated:
		if resp.AccessToken == "" {
			return LoginResult{}, APIError{Kind: ErrIssuer, Status: status, Reason: "missing access token"}
		}
		return LoginResult{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			ExpiresIn:    time.Duration(resp.ExpiresIn) * time.Second,
			Identity:     resp.User.identity(),
		}, nil

	case status == http.StatusUnauthorized && code != "":
		return LoginResult{}, APIError{Kind: ErrSecondFactorRejected, Status: status, Reason: resp.Error}

	case status == http.StatusUnauthorized || status == http.StatusLocked:
		return LoginResult{}, APIError{Kind: ErrCredentialInvalid, Status: status, Reason: resp.Error}

	default:
		return LoginResult{}, APIError{Kind: ErrIssuer, Status: status, Reason: resp.Error}
	}
}

// Refresh exchanges a refresh token for a fresh access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	var resp refreshResponseJSON
	status, err := c.do(ctx, http.MethodPost, refreshPath, "", refreshRequestJSON{RefreshToken: refreshToken}, &resp)
	if err != nil {
		return RefreshResult{}, err
	}

	switch {
	case status == http.StatusOK:
		if resp.AccessToken == "" {
			return RefreshResult{}, APIError{Kind: ErrIssuer, Status: status, Reason: "missing access token"}
		}
		return RefreshResult{
			AccessToken: resp.AccessToken,
			ExpiresIn:   time.Duration(resp.ExpiresIn) * time.Second,
		}, nil

	case status == http.StatusUnauthorized || status == http.StatusBadRequest:
		return RefreshResult{}, APIError{Kind: ErrRefreshRejected, Status: status, Reason: resp.Error}

	default:
		return RefreshResult{}, APIError{Kind: ErrIssuer, Status: status, Reason: resp.Error}
	}
}

// Verify validates a bare access token and returns the current identity record.
// Used by the session bridge out-of-band during the websocket handshake.
func (c *Client) Verify(ctx context.Context, accessToken string) (Identity, error) {
	var resp verifyResponseJSON
	status, err := c.do(ctx, http.MethodGet, verifyPath, accessToken, nil, &resp)
	if err != nil {
		return Identity{}, err
	}

	switch {
	case status == http.StatusOK && resp.Valid:
		return resp.User.identity(), nil
	case status == http.StatusUnauthorized || status == http.StatusOK:
		return Identity{}, APIError{Kind: ErrUnauthorized, Status: status, Reason: resp.Error}
	default:
		return Identity{}, APIError{Kind: ErrIssuer, Status: status, Reason: resp.Error}
	}
}

// SetupSecondFactor starts email second-factor enrollment for the
// authenticated user and returns the obscured destination hint.
func (c *Client) SetupSecondFactor(ctx context.Context, accessToken, email string) (string, error) {
	var resp twoFactorResponseJSON
	status, err := c.do(ctx, http.MethodPost, twoFactorSetupPath, accessToken, setupRequestJSON{Email: email}, &resp)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", twoFactorErr(status, resp.Error)
	}
	return resp.EmailHint, nil
}

// VerifySecondFactorSetup confirms email ownership and enables the second
// factor. The issuer returns one-time backup codes on success.
func (c *Client) VerifySecondFactorSetup(ctx context.Context, accessToken, code string) ([]string, error) {
	var resp twoFactorResponseJSON
	status, err := c.do(ctx, http.MethodPost, twoFactorVerify, accessToken, codeRequestJSON{Code: code}, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, APIError{Kind: ErrSecondFactorRejected, Status: status, Reason: resp.Error}
	}
	if status != http.StatusOK {
		return nil, twoFactorErr(status, resp.Error)
	}
	return resp.BackupCodes, nil
}

// ResendSecondFactorSetup re-dispatches the enrollment code to the same destination.
func (c *Client) ResendSecondFactorSetup(ctx context.Context, accessToken string) (string, error) {
	var resp twoFactorResponseJSON
	status, err := c.do(ctx, http.MethodPost, twoFactorResend, accessToken, struct{}{}, &resp)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", twoFactorErr(status, resp.Error)
	}
	return resp.EmailHint, nil
}

// DisableSecondFactor turns the second factor off. The issuer demands a fresh
// first-factor proof even though the caller is already authenticated.
func (c *Client) DisableSecondFactor(ctx context.Context, accessToken, password string) error {
	var resp twoFactorResponseJSON
	status, err := c.do(ctx, http.MethodPost, twoFactorDisable, accessToken, passwordRequestJSON{Password: password}, &resp)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return APIError{Kind: ErrCredentialInvalid, Status: status, Reason: resp.Error}
	}
	if status != http.StatusOK {
		return twoFactorErr(status, resp.Error)
	}
	return nil
}

func twoFactorErr(status int, reason string) error {
	if status == http.StatusUnauthorized {
		return APIError{Kind: ErrUnauthorized, Status: status, Reason: reason}
	}
	return APIError{Kind: ErrIssuer, Status: status, Reason: reason}
}

// do performs one bounded JSON round-trip. The returned status is only valid
// when err is nil; out is decoded best-effort for both success and error
// statuses since the issuer reports failures in the body's "error" field.
func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("issuer: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("issuer: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIssuer, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, fmt.Errorf("%w: read response: %v", ErrIssuer, err)
	}
	if out != nil && len(raw) > 0 {
		// Error statuses still carry a JSON body; a decode failure there is
		// not fatal because the status alone determines the error kind.
		if jerr := json.Unmarshal(raw, out); jerr != nil && resp.StatusCode < 400 {
			return 0, fmt.Errorf("%w: decode response: %v", ErrIssuer, jerr)
		}
	}
	return resp.StatusCode, nil
}
