package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"relay/cmd/internal/auth/issuer"
	"relay/cmd/security/token"
	v1 "relay/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "relay.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout  = 5 * time.Second
	wsDefaultReadIdle      = 2 * time.Minute
	wsDefaultAuthGrace     = 30 * time.Second
	wsDefaultVerifyTimeout = 5 * time.Second
	wsCloseGrace           = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Verifier validates a bare access token against the identity issuer.
type Verifier interface {
	Verify(ctx context.Context, accessToken string) (issuer.Identity, error)
}

// Bridge is the websocket entrypoint binding transport connections to
// identities and translating wire envelopes into engine calls.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and the authentication grace window: a connection that has not completed
// the handshake within the grace period is closed. Until the handshake
// succeeds, every room operation is rejected and no room event is delivered.
type Bridge struct {
	log      *slog.Logger
	engine   *Engine
	verifier Verifier
	metrics  Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	authGrace     time.Duration
	verifyTimeout time.Duration

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewBridge constructs a bridge with secure defaults. Metrics may be nil.
func NewBridge(log *slog.Logger, engine *Engine, verifier Verifier, metrics Metrics) *Bridge {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if metrics == nil {
		metrics = NopMetrics()
	}

	b := &Bridge{log: log, engine: engine, verifier: verifier, metrics: metrics}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	b.devInsecure = envBoolWS("RELAY_WS_DEV_INSECURE", false)

	b.originRequired = envBoolWS("RELAY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	b.allowedOrigins = envCSVWS("RELAY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	b.originPatterns = deriveOriginPatternsFromAllowedOrigins(b.allowedOrigins)

	b.writeTimeout = envDurationWS("RELAY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	b.readIdleTimeout = envDurationWS("RELAY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	b.sendQueueSize = envIntWS("RELAY_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if b.sendQueueSize < wsMinSendQueueSize {
		b.sendQueueSize = wsMinSendQueueSize
	}

	b.authGrace = envDurationWS("RELAY_WS_AUTH_GRACE", wsDefaultAuthGrace)
	b.verifyTimeout = envDurationWS("RELAY_WS_VERIFY_TIMEOUT", wsDefaultVerifyTimeout)

	b.heartbeatEvery = envDurationWS("RELAY_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	b.heartbeatTimeout = envDurationWS("RELAY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	b.rateEvents = envIntWS("RELAY_WS_RATE_EVENTS", rateLimitEvents)
	b.rateWindow = envDurationWS("RELAY_WS_RATE_WINDOW", rateLimitWindow)

	return b
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the chat loop.
func (b *Bridge) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := b.enforceOrigin(r); err != nil {
		b.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	wsc, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     b.originPatterns,
		InsecureSkipVerify: b.devInsecure,
	})
	if err != nil {
		b.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = wsc.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := wsc.Subprotocol(); sp != wsSubprotocolV1 {
		b.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = wsc.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	wsc.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now())
	if err != nil {
		b.log.Error("ws.session_id.fail", "err", err)
		_ = wsc.Close(websocket.StatusInternalError, "session id")
		return
	}
	conn := NewConnection(sessionID, b.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close conn.Send.
	// Broadcast safety: conn.Send remains open and membership removal happens before conn.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			b.engine.Unregister(conn)
			conn.Close()
			_ = wsc.Close(code, reason)
			cancel()
			b.metrics.ConnectionClosed()
		})
	}

	b.engine.Register(conn)
	b.metrics.ConnectionOpened()
	b.log.Info("ws.connect", "session_id", sessionID, "remote", r.RemoteAddr)

	// Unauthenticated connections may not linger: either the handshake
	// completes within the grace window or the transport is closed.
	authTimer := time.AfterFunc(b.authGrace, func() {
		if conn.Authenticated() {
			return
		}
		b.log.Info("ws.auth.timeout", "session_id", sessionID, "grace", b.authGrace)
		b.metrics.HandshakeResult("timeout")
		shutdown(websocket.StatusPolicyViolation, "authentication timeout")
	})
	defer authTimer.Stop()

	rl := NewRateLimiter(b.rateEvents, b.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case env := <-conn.Send:
				if err := writeEnvelope(ctx, wsc, env, b.writeTimeout); err != nil {
					b.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(b.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, b.heartbeatTimeout)
				err := wsc.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					b.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, b.readIdleTimeout)
		env, err := readEnvelope(readCtx, wsc)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				b.sendError(ctx, conn, "invalid JSON")
				continue readLoop
			default:
				b.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			b.sendError(ctx, conn, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			b.sendError(ctx, conn, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeAuthenticate:
			b.onAuthenticate(ctx, conn, env, authTimer)

		case v1.TypeJoin:
			var p v1.JoinPayload
			if !b.decode(ctx, conn, env.Payload, &p) {
				continue readLoop
			}
			if !b.requireAuth(ctx, conn) {
				continue readLoop
			}
			if err := b.engine.Join(conn, p.Room); err != nil {
				b.sendError(ctx, conn, err.Error())
				continue readLoop
			}
			b.replayHistory(ctx, conn, p.Room)

		case v1.TypeLeave:
			var p v1.LeavePayload
			if !b.decode(ctx, conn, env.Payload, &p) {
				continue readLoop
			}
			if !b.requireAuth(ctx, conn) {
				continue readLoop
			}
			if err := b.engine.Leave(conn, p.Room); err != nil {
				b.sendError(ctx, conn, err.Error())
			}

		case v1.TypeMessage:
			var p v1.MessagePayload
			if !b.decode(ctx, conn, env.Payload, &p) {
				continue readLoop
			}
			if !b.requireAuth(ctx, conn) {
				continue readLoop
			}
			if err := b.engine.SendMessage(ctx, conn, p.Room, p.Content); err != nil {
				b.sendError(ctx, conn, err.Error())
			}

		case v1.TypeDeleteMessage:
			var p v1.DeleteMessagePayload
			if !b.decode(ctx, conn, env.Payload, &p) {
				continue readLoop
			}
			if !b.requireAuth(ctx, conn) {
				continue readLoop
			}
			if err := b.engine.DeleteMessage(ctx, conn, p.Room, p.MessageID); err != nil {
				b.sendError(ctx, conn, err.Error())
			}

		case v1.TypeTyping:
			var p v1.TypingPayload
			if !b.decode(ctx, conn, env.Payload, &p) {
				continue readLoop
			}
			if !b.requireAuth(ctx, conn) {
				continue readLoop
			}
			if err := b.engine.Typing(conn, p.Room); err != nil {
				b.sendError(ctx, conn, err.Error())
			}

		default:
			b.sendError(ctx, conn, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

// onAuthenticate runs the handshake: the token is validated against the
// issuer out-of-band under a bounded timeout. A failed handshake emits
// authenticated{success:false} and leaves the connection open inside the
// grace window; only the grace timer closes it.
func (b *Bridge) onAuthenticate(ctx context.Context, conn *Connection, env v1.Envelope, authTimer *time.Timer) {
	var p v1.AuthenticatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		b.enqueue(ctx, conn, newEvent(v1.TypeAuthenticated, v1.AuthenticatedPayload{Success: false, Error: "invalid payload"}))
		return
	}

	if id, ok := conn.Identity(); ok {
		// Re-authentication is idempotent for an already bound connection.
		b.enqueue(ctx, conn, newEvent(v1.TypeAuthenticated, v1.AuthenticatedPayload{Success: true, Username: id.Username}))
		return
	}

	tok := strings.TrimSpace(p.Token)
	if tok == "" {
		b.metrics.HandshakeResult("rejected")
		b.enqueue(ctx, conn, newEvent(v1.TypeAuthenticated, v1.AuthenticatedPayload{Success: false, Error: "missing token"}))
		return
	}

	verifyCtx, cancel := context.WithTimeout(ctx, b.verifyTimeout)
	id, err := b.verifier.Verify(verifyCtx, tok)
	cancel()

	if err != nil {
		b.log.Info("ws.auth.reject", "session_id", conn.SessionID, "token", token.LogDigest(tok), "err", err)
		b.metrics.HandshakeResult("rejected")
		b.enqueue(ctx, conn, newEvent(v1.TypeAuthenticated, v1.AuthenticatedPayload{Success: false, Error: "invalid or expired token"}))
		return
	}

	conn.BindIdentity(id)
	authTimer.Stop()

	b.log.Info("ws.auth.ok", "session_id", conn.SessionID, "username", id.Username)
	b.metrics.HandshakeResult("ok")
	b.enqueue(ctx, conn, newEvent(v1.TypeAuthenticated, v1.AuthenticatedPayload{Success: true, Username: id.Username}))
}

// replayHistory enqueues the recent message window after a successful join.
func (b *Bridge) replayHistory(ctx context.Context, conn *Connection, room string) {
	msgs, err := b.engine.History(ctx, room, historyLimit)
	if err != nil {
		b.log.Info("ws.history.fail", "session_id", conn.SessionID, "room", room, "err", err)
		return
	}
	for _, m := range msgs {
		if !b.enqueue(ctx, conn, messageEvent(m)) {
			return
		}
	}
}

// ---- send helpers ----

func (b *Bridge) requireAuth(ctx context.Context, conn *Connection) bool {
	if conn.Authenticated() {
		return true
	}
	b.sendError(ctx, conn, "not authenticated")
	return false
}

func (b *Bridge) decode(ctx context.Context, conn *Connection, raw json.RawMessage, out any) bool {
	if err := json.Unmarshal(raw, out); err != nil {
		b.sendError(ctx, conn, "invalid payload")
		return false
	}
	return true
}

func (b *Bridge) sendError(ctx context.Context, conn *Connection, msg string) {
	_ = b.enqueue(ctx, conn, newEvent(v1.TypeError, v1.ErrorPayload{Message: msg}))
}

func (b *Bridge) enqueue(ctx context.Context, conn *Connection, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-conn.Done():
		return false
	case conn.Send <- env:
		return true
	default:
		b.metrics.EventDropped()
		return false
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (b *Bridge) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if b.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(b.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range b.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
