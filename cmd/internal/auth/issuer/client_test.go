package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestLoginSuccess(t *testing.T) {
	t.Parallel()

	c := newTestIssuer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/login" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req loginRequestJSON
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Username != "alice" || req.Password != "hunter22" {
			t.Errorf("unexpected credentials: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(loginResponseJSON{
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			ExpiresIn:    900,
			User:         userJSON{Username: "alice", DisplayName: "Alice"},
		})
	})

	res, err := c.Login(context.Background(), "alice", "hunter22", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.SecondFactorRequired {
		t.Fatalf("unexpected second factor branch")
	}
	if res.AccessToken != "at-1" || res.RefreshToken != "rt-1" {
		t.Fatalf("unexpected tokens: %+v", res)
	}
	if res.ExpiresIn != 15*time.Minute {
		t.Fatalf("unexpected lifetime: %v", res.ExpiresIn)
	}
	if res.Identity.Username != "alice" {
		t.Fatalf("unexpected identity: %+v", res.Identity)
	}
}

func TestLoginSecondFactorBranch(t *testing.T) {
	t.Parallel()

	c := newTestIssuer(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(loginResponseJSON{
			Requires2FA: true,
			EmailHint:   "j***@example.com",
		})
	})

	res, err := c.Login(context.Background(), "jane", "pw", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !res.SecondFactorRequired {
		t.Fatalf("expected second factor branch")
	}
	if res.EmailHint != "j***@example.com" {
		t.Fatalf("unexpected hint: %q", res.EmailHint)
	}
	if res.AccessToken != "" {
		t.Fatalf("no tokens may be issued before the second factor")
	}
}

func TestLoginErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		code   string
		want   error
	}{
		{name: "bad password", status: http.StatusUnauthorized, want: ErrCredentialInvalid},
		{name: "locked account", status: http.StatusLocked, want: ErrCredentialInvalid},
		{name: "bad code", status: http.StatusUnauthorized, code: "123456", want: ErrSecondFactorRejected},
		{name: "issuer down", status: http.StatusBadGateway, want: ErrIssuer},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := newTestIssuer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(loginResponseJSON{Error: "nope"})
			})

			_, err := c.Login(context.Background(), "alice", "wrong", tc.code)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}

			var apiErr APIError
			if !errors.As(err, &apiErr) || apiErr.Reason != "nope" {
				t.Fatalf("expected APIError with reason, got %v", err)
			}
		})
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		c := newTestIssuer(t, func(w http.ResponseWriter, r *http.Request) {
			var req refreshRequestJSON
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.RefreshToken != "rt-1" {
				t.Errorf("unexpected refresh token: %q", req.RefreshToken)
			}
			_ = json.NewEncoder(w).Encode(refreshResponseJSON{AccessToken: "at-2", ExpiresIn: 900})
		})

		res, err := c.Refresh(context.Background(), "rt-1")
		if err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		if res.AccessToken != "at-2" {
			t.Fatalf("unexpected token: %+v", res)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		t.Parallel()
		c := newTestIssuer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(refreshResponseJSON{Error: "Refresh token has expired"})
		})

		_, err := c.Refresh(context.Background(), "rt-old")
		if !errors.Is(err, ErrRefreshRejected) {
			t.Fatalf("got %v, want ErrRefreshRejected", err)
		}
	})
}

func TestVerify(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		c := newTestIssuer(t, func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
				t.Errorf("unexpected auth header: %q", got)
			}
			_ = json.NewEncoder(w).Encode(verifyResponseJSON{
				Valid: true,
				User:  userJSON{Username: "alice", SecondFactorEnabled: true},
			})
		})

		id, err := c.Verify(context.Background(), "at-1")
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if id.Username != "alice" || !id.SecondFactorEnabled {
			t.Fatalf("unexpected identity: %+v", id)
		}
	})

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		c := newTestIssuer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(verifyResponseJSON{Error: "Token has expired"})
		})

		_, err := c.Verify(context.Background(), "at-stale")
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("got %v, want ErrUnauthorized", err)
		}
	})
}

func TestVerifyTimeoutIsBounded(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-block
	}))
	t.Cleanup(srv.Close)
	// Registered after srv.Close so it runs first: the blocked handler must
	// be released before Close can wait out in-flight requests.
	t.Cleanup(func() { close(block) })

	c, err := New(srv.URL, WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	if _, err := c.Verify(context.Background(), "at"); err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("verify did not respect timeout: %v", elapsed)
	}
}
