// Package main provides a CI-friendly end-to-end smoke test for Relay.
//
// It validates:
//   - login against the issuer (including the email second-factor branch)
//   - websocket handshake + subprotocol selection
//   - authenticate binding before any other event is accepted
//   - join echo (room_joined) and history replay
//   - send -> new_message fanout to another client
//   - typing fanout excludes the sender
//   - author-only delete -> message_deleted fanout
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "relay/shared/contracts/chat/v1"

	"github.com/coder/websocket"

	"relay/cmd/internal/auth/issuer"
	"relay/cmd/internal/auth/session"
	"relay/cmd/internal/auth/stepup"
)

const (
	defaultSubprotocol = "relay.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		issuerURL = flag.String("issuer", "http://127.0.0.1:9000", "Identity issuer base URL")
		username  = flag.String("user", "", "Username for login")
		password  = flag.String("pass", "", "Password for login")
		room      = flag.String("room", "general", "Room to join")
		text      = flag.String("text", "hello relay 👋", "Message text to send")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *username == "" || *password == "" {
		fatalf("-user and -pass are required")
	}

	root := context.Background()

	token := mustLogin(root, *issuerURL, *username, *password, *timeout)
	if *verbose {
		fmt.Printf("login ok: user=%s\n", *username)
	}

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	mustAuthenticate(root, a, token, *username, *timeout)
	mustAuthenticate(root, b, token, *username, *timeout)

	mustJoin(root, a, *room, *timeout)
	mustJoin(root, b, *room, *timeout)

	msgID := mustSendAndAssertFanout(root, a, b, *room, *text, *timeout)

	mustTypingExcludesSender(root, a, b, *room, *timeout)

	mustDeleteAndAssertFanout(root, a, b, *room, msgID, *timeout)

	fmt.Printf("OK: room=%s message_id=%s\n", *room, msgID)
}

// mustLogin drives the step-up flow against the issuer. When the account has
// a second factor, the code is read from stdin.
func mustLogin(ctx context.Context, issuerURL, username, password string, stepTimeout time.Duration) string {
	client, err := issuer.New(issuerURL, issuer.WithTimeout(stepTimeout))
	if err != nil {
		fatalf("issuer client: %v", err)
	}

	sess := session.NewManager(session.DefaultConfig(), client, session.NewStore())
	flow := stepup.New(client, sess)

	res, err := flow.Begin(ctx, username, password)
	if err != nil {
		fatalf("login: %v", err)
	}

	if res.SecondFactorRequired {
		fmt.Printf("second factor required, code sent to %s\n", res.EmailHint)
		fmt.Print("code: ")
		sc := bufio.NewScanner(os.Stdin)
		if !sc.Scan() {
			fatalf("login: no code entered")
		}
		cred, err := flow.Submit(ctx, strings.TrimSpace(sc.Text()))
		if err != nil {
			fatalf("login: second factor: %v", err)
		}
		return cred.AccessToken
	}

	return res.Credential.AccessToken
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustAuthenticate(parent context.Context, c *smokeClient, token, wantUser string, stepTimeout time.Duration) {
	send(parent, c, v1.TypeAuthenticate, v1.AuthenticatePayload{Token: token}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeAuthenticated, stepTimeout, nil)

	var p v1.AuthenticatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal authenticated payload (%s): %v", c.name, err)
	}
	if !p.Success {
		fatalf("authenticate rejected (%s): %s", c.name, p.Error)
	}
	if p.Username != wantUser {
		fatalf("authenticated username mismatch (%s): got=%q want=%q", c.name, p.Username, wantUser)
	}
}

func mustJoin(parent context.Context, c *smokeClient, room string, stepTimeout time.Duration) {
	send(parent, c, v1.TypeJoin, v1.JoinPayload{Room: room}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeRoomJoined, stepTimeout, map[string]struct{}{
		v1.TypeUserJoined: {},
		v1.TypeNewMessage: {},
	})

	var p v1.RoomJoinedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal room_joined payload (%s): %v", c.name, err)
	}
	if p.Room != room {
		fatalf("room_joined mismatch (%s): got=%q want=%q", c.name, p.Room, room)
	}
}

func mustSendAndAssertFanout(parent context.Context, sender, receiver *smokeClient, room, text string, stepTimeout time.Duration) string {
	send(parent, sender, v1.TypeMessage, v1.MessagePayload{Room: room, Content: text}, stepTimeout)

	skip := map[string]struct{}{v1.TypeUserJoined: {}, v1.TypeUserTyping: {}}
	env := receiver.mustReadUntilType(parent, v1.TypeNewMessage, stepTimeout, skip)

	var p v1.NewMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal new_message payload (%s): %v", receiver.name, err)
	}
	if p.Room != room {
		fatalf("new_message room mismatch (%s): got=%q want=%q", receiver.name, p.Room, room)
	}
	if p.Content != text {
		fatalf("new_message content mismatch (%s): got=%q want=%q", receiver.name, p.Content, text)
	}
	if strings.TrimSpace(p.ID) == "" {
		fatalf("new_message missing id (%s)", receiver.name)
	}
	if p.Timestamp.IsZero() {
		fatalf("new_message timestamp missing/zero (%s)", receiver.name)
	}
	return p.ID
}

func mustTypingExcludesSender(parent context.Context, sender, receiver *smokeClient, room string, stepTimeout time.Duration) {
	send(parent, sender, v1.TypeTyping, v1.TypingPayload{Room: room}, stepTimeout)

	receiver.mustReadUntilType(parent, v1.TypeUserTyping, stepTimeout, map[string]struct{}{
		v1.TypeUserJoined: {},
		v1.TypeNewMessage: {},
	})
	sender.mustAssertNoType(parent, v1.TypeUserTyping, 1200*time.Millisecond)
}

func mustDeleteAndAssertFanout(parent context.Context, sender, receiver *smokeClient, room, msgID string, stepTimeout time.Duration) {
	send(parent, sender, v1.TypeDeleteMessage, v1.DeleteMessagePayload{Room: room, MessageID: msgID}, stepTimeout)

	skip := map[string]struct{}{v1.TypeUserTyping: {}}
	env := receiver.mustReadUntilType(parent, v1.TypeMessageDeleted, stepTimeout, skip)

	var p v1.MessageDeletedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_deleted payload (%s): %v", receiver.name, err)
	}
	if p.MessageID != msgID {
		fatalf("message_deleted id mismatch (%s): got=%q want=%q", receiver.name, p.MessageID, msgID)
	}
}

func send(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func (c *smokeClient) mustReadUntilType(parent context.Context, want string, stepTimeout time.Duration, skip map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", want, c.name)
			}
			if env.Type == want {
				return env
			}
			if _, ignorable := skip[env.Type]; ignorable {
				continue
			}
			if env.Type == v1.TypeError {
				var p v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &p)
				fatalf("server error while waiting for %q (%s): %s", want, c.name, p.Message)
			}
			// Unrelated fanout is tolerated while waiting.
		case err := <-c.errCh:
			fatalf("read loop failed while waiting for %q (%s): %v", want, c.name, err)
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s)", want, c.name)
		}
	}
}

func (c *smokeClient) mustAssertNoType(parent context.Context, banned string, window time.Duration) {
	ctx, cancel := context.WithTimeout(parent, window)
	defer cancel()

	for {
		select {
		case env, ok := <-c.inbox:
			if !ok {
				return
			}
			if env.Type == banned {
				fatalf("unexpected %q delivered to %s", banned, c.name)
			}
		case <-ctx.Done():
			return
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	data, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal %s: %v", env.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		fatalf("write %s: %v", env.Type, err)
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal payload: %v", err)
	}
	return data
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "SMOKE FAIL: "+format+"\n", args...)
	os.Exit(1)
}
