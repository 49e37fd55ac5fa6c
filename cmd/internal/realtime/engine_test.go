package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"relay/cmd/internal/auth/issuer"
	v1 "relay/shared/contracts/chat/v1"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine(log, NewMemoryRoomStore(), NewMemoryMessageStore(), nil)
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return e
}

func authedConn(e *Engine, sessionID, username string) *Connection {
	conn := NewConnection(sessionID, 64)
	conn.BindIdentity(issuer.Identity{Username: username, DisplayName: strings.ToUpper(username)})
	e.Register(conn)
	return conn
}

// drain empties the connection's send queue.
func drain(conn *Connection) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-conn.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func expectEvent(t *testing.T, conn *Connection, typ string) v1.Envelope {
	t.Helper()

	select {
	case env := <-conn.Send:
		if env.Type != typ {
			t.Fatalf("got event %q, want %q", env.Type, typ)
		}
		return env
	default:
		t.Fatalf("no event queued, want %q", typ)
		return v1.Envelope{}
	}
}

func expectNoEvents(t *testing.T, conn *Connection) {
	t.Helper()
	if got := drain(conn); len(got) != 0 {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestJoinNotifications(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	alice := authedConn(e, "s1", "alice")
	bob := authedConn(e, "s2", "bob")

	if err := e.Join(alice, DefaultRoom); err != nil {
		t.Fatalf("Join: %v", err)
	}
	expectEvent(t, alice, v1.TypeRoomJoined)

	if err := e.Join(bob, DefaultRoom); err != nil {
		t.Fatalf("Join: %v", err)
	}

	env := expectEvent(t, alice, v1.TypeUserJoined)
	var joined v1.UserJoinedPayload
	if err := json.Unmarshal(env.Payload, &joined); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if joined.Username != "bob" || joined.Room != DefaultRoom {
		t.Fatalf("user_joined=%+v", joined)
	}

	env = expectEvent(t, bob, v1.TypeRoomJoined)
	var rj v1.RoomJoinedPayload
	if err := json.Unmarshal(env.Payload, &rj); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rj.Room != DefaultRoom || rj.Username != "bob" {
		t.Fatalf("room_joined=%+v", rj)
	}
	// The actor never receives its own user_joined.
	expectNoEvents(t, bob)
}

func TestJoinIsIdempotent(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	alice := authedConn(e, "s1", "alice")
	bob := authedConn(e, "s2", "bob")

	for _, c := range []*Connection{alice, bob} {
		if err := e.Join(c, DefaultRoom); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	drain(alice)
	drain(bob)

	if err := e.Join(bob, DefaultRoom); err != nil {
		t.Fatalf("repeat Join: %v", err)
	}
	expectNoEvents(t, alice)
	expectNoEvents(t, bob)
}

func TestJoinImplicitlyLeavesCurrentRoom(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	if _, err := e.CreateRoom(context.Background(), "dev"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	alice := authedConn(e, "s1", "alice")
	bob := authedConn(e, "s2", "bob")
	for _, c := range []*Connection{alice, bob} {
		if err := e.Join(c, DefaultRoom); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	drain(alice)
	drain(bob)

	if err := e.Join(bob, "dev"); err != nil {
		t.Fatalf("Join dev: %v", err)
	}
	if got := bob.Room(); got != "dev" {
		t.Fatalf("bob.Room()=%q want dev", got)
	}

	env := expectEvent(t, alice, v1.TypeUserLeft)
	var left v1.UserLeftPayload
	if err := json.Unmarshal(env.Payload, &left); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if left.Username != "bob" || left.Room != DefaultRoom {
		t.Fatalf("user_left=%+v", left)
	}
}

func TestJoinErrors(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	anon := NewConnection("s0", 8)
	e.Register(anon)
	if err := e.Join(anon, DefaultRoom); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("got %v, want ErrNotAuthenticated", err)
	}

	alice := authedConn(e, "s1", "alice")
	if err := e.Join(alice, "no-such-room"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("got %v, want ErrRoomNotFound", err)
	}
	if err := e.Join(alice, "x"); !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
}

func TestSendMessagePersistsThenBroadcasts(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	alice := authedConn(e, "s1", "alice")
	bob := authedConn(e, "s2", "bob")
	for _, c := range []*Connection{alice, bob} {
		if err := e.Join(c, DefaultRoom); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	drain(alice)
	drain(bob)

	if err := e.SendMessage(context.Background(), alice, DefaultRoom, "  hello  "); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	for _, c := range []*Connection{alice, bob} {
		env := expectEvent(t, c, v1.TypeNewMessage)
		var msg v1.NewMessagePayload
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Username != "alice" || msg.Content != "hello" || msg.Room != DefaultRoom || msg.ID == "" {
			t.Fatalf("new_message=%+v", msg)
		}
	}

	hist, err := e.History(context.Background(), DefaultRoom, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].Content != "hello" {
		t.Fatalf("history=%+v", hist)
	}
}

func TestSendMessageValidation(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	alice := authedConn(e, "s1", "alice")
	if err := e.Join(alice, DefaultRoom); err != nil {
		t.Fatalf("Join: %v", err)
	}
	drain(alice)

	if err := e.SendMessage(context.Background(), alice, DefaultRoom, "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty content: got %v, want ErrValidation", err)
	}
	if err := e.SendMessage(context.Background(), alice, DefaultRoom, strings.Repeat("x", maxMessageChars+1)); !errors.Is(err, ErrValidation) {
		t.Fatalf("oversized content: got %v, want ErrValidation", err)
	}
	if err := e.SendMessage(context.Background(), alice, DefaultRoom, strings.Repeat("x", maxMessageChars)); err != nil {
		t.Fatalf("max-length content: %v", err)
	}

	bob := authedConn(e, "s2", "bob")
	if err := e.SendMessage(context.Background(), bob, DefaultRoom, "hi"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("not joined: got %v, want ErrNotJoined", err)
	}
}

func TestDeleteMessageAuthorOnly(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	alice := authedConn(e, "s1", "alice")
	bob := authedConn(e, "s2", "bob")
	for _, c := range []*Connection{alice, bob} {
		if err := e.Join(c, DefaultRoom); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	if err := e.SendMessage(context.Background(), alice, DefaultRoom, "delete me"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	hist, err := e.History(context.Background(), DefaultRoom, 10)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history: %v %v", hist, err)
	}
	msgID := hist[0].ID
	drain(alice)
	drain(bob)

	if err := e.DeleteMessage(context.Background(), bob, DefaultRoom, msgID); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("foreign delete: got %v, want ErrMessageNotFound", err)
	}

	if err := e.DeleteMessage(context.Background(), alice, DefaultRoom, msgID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}

	env := expectEvent(t, bob, v1.TypeMessageDeleted)
	var del v1.MessageDeletedPayload
	if err := json.Unmarshal(env.Payload, &del); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if del.MessageID != msgID {
		t.Fatalf("message_deleted=%+v", del)
	}

	hist, err = e.History(context.Background(), DefaultRoom, 10)
	if err != nil || len(hist) != 0 {
		t.Fatalf("message survived deletion: %v %v", hist, err)
	}
}

func TestTypingExcludesSenderAndCoalesces(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	alice := authedConn(e, "s1", "alice")
	bob := authedConn(e, "s2", "bob")
	for _, c := range []*Connection{alice, bob} {
		if err := e.Join(c, DefaultRoom); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	drain(alice)
	drain(bob)

	if err := e.Typing(alice, DefaultRoom); err != nil {
		t.Fatalf("Typing: %v", err)
	}

	env := expectEvent(t, bob, v1.TypeUserTyping)
	var typ v1.UserTypingPayload
	if err := json.Unmarshal(env.Payload, &typ); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typ.Username != "alice" {
		t.Fatalf("user_typing=%+v", typ)
	}
	expectNoEvents(t, alice)

	// Inside the coalescing window a repeat signal is suppressed.
	if err := e.Typing(alice, DefaultRoom); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	expectNoEvents(t, bob)
}

func TestTypingTrackerWindow(t *testing.T) {
	t.Parallel()

	tr := newTypingTracker(3 * time.Second)
	base := time.Now().UTC()

	if !tr.shouldBroadcast("s1", base) {
		t.Fatalf("first signal must broadcast")
	}
	if tr.shouldBroadcast("s1", base.Add(time.Second)) {
		t.Fatalf("signal inside window must be suppressed")
	}
	if !tr.shouldBroadcast("s1", base.Add(4*time.Second)) {
		t.Fatalf("signal after window must broadcast")
	}

	tr.forget("s1")
	if !tr.shouldBroadcast("s1", base.Add(5*time.Second)) {
		t.Fatalf("forgotten session must broadcast immediately")
	}
}

func TestCreateRoom(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	alice := authedConn(e, "s1", "alice")
	anon := NewConnection("s0", 8)
	e.Register(anon)

	name, err := e.CreateRoom(context.Background(), "  My Room  ")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if name != "my-room" {
		t.Fatalf("normalized name=%q want my-room", name)
	}

	env := expectEvent(t, alice, v1.TypeRoomCreated)
	var created v1.RoomCreatedPayload
	if err := json.Unmarshal(env.Payload, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Room != "my-room" {
		t.Fatalf("room_created=%+v", created)
	}
	// Room events never reach an unauthenticated connection.
	expectNoEvents(t, anon)

	// The creator is not joined automatically.
	if got := alice.Room(); got != "" {
		t.Fatalf("creator joined implicitly: %q", got)
	}

	if _, err := e.CreateRoom(context.Background(), "my room"); !errors.Is(err, ErrRoomExists) {
		t.Fatalf("duplicate: got %v, want ErrRoomExists", err)
	}

	rooms, err := e.Rooms(context.Background())
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 2 || rooms[0] != DefaultRoom || rooms[1] != "my-room" {
		t.Fatalf("rooms=%v", rooms)
	}
}

func TestDeleteRoom(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	if err := e.DeleteRoom(context.Background(), DefaultRoom); !errors.Is(err, ErrRoomProtected) {
		t.Fatalf("got %v, want ErrRoomProtected", err)
	}
	if err := e.DeleteRoom(context.Background(), "missing"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("got %v, want ErrRoomNotFound", err)
	}

	if _, err := e.CreateRoom(context.Background(), "dev"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	alice := authedConn(e, "s1", "alice")
	if err := e.Join(alice, "dev"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := e.SendMessage(context.Background(), alice, "dev", "bye"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if err := e.DeleteRoom(context.Background(), "dev"); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	if got := alice.Room(); got != "" {
		t.Fatalf("member not implicitly left: %q", got)
	}
	if _, err := e.History(context.Background(), "dev", 10); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("history after delete: got %v, want ErrRoomNotFound", err)
	}
}

func TestUnregisterEmitsUserLeft(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	alice := authedConn(e, "s1", "alice")
	bob := authedConn(e, "s2", "bob")
	for _, c := range []*Connection{alice, bob} {
		if err := e.Join(c, DefaultRoom); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	drain(alice)
	drain(bob)

	e.Unregister(bob)

	env := expectEvent(t, alice, v1.TypeUserLeft)
	var left v1.UserLeftPayload
	if err := json.Unmarshal(env.Payload, &left); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if left.Username != "bob" || left.Room != DefaultRoom {
		t.Fatalf("user_left=%+v", left)
	}

	// An unauthenticated connection leaving emits nothing.
	anon := NewConnection("s0", 8)
	e.Register(anon)
	e.Unregister(anon)
	expectNoEvents(t, alice)
}

func TestLeaveIsNoOpWhenNotMember(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	alice := authedConn(e, "s1", "alice")
	if err := e.Leave(alice, DefaultRoom); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	expectNoEvents(t, alice)
}

func TestMessageScopedToRoom(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	if _, err := e.CreateRoom(context.Background(), "off-topic"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	alice := authedConn(e, "s1", "alice")
	bob := authedConn(e, "s2", "bob")
	carol := authedConn(e, "s3", "carol")
	for _, c := range []*Connection{alice, bob} {
		if err := e.Join(c, DefaultRoom); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	if err := e.Join(carol, "off-topic"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	drain(alice)
	drain(bob)
	drain(carol)

	if err := e.SendMessage(context.Background(), alice, DefaultRoom, "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// Each member of the sender's room sees exactly one copy.
	for _, c := range []*Connection{alice, bob} {
		expectEvent(t, c, v1.TypeNewMessage)
		expectNoEvents(t, c)
	}
	// A member of a different room sees nothing.
	expectNoEvents(t, carol)
}

func TestConcurrentJoinAndUnregisterLeavesNoMembership(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	if _, err := e.CreateRoom(context.Background(), "dev"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	// A disconnect may run on another goroutine while the read loop is
	// still joining; whichever order they land in, the unregistered
	// connection must not remain a member of any room.
	for i := 0; i < 2000; i++ {
		conn := authedConn(e, fmt.Sprintf("s%d", i), "alice")
		if err := e.Join(conn, DefaultRoom); err != nil {
			t.Fatalf("Join: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = e.Join(conn, "dev")
		}()
		go func() {
			defer wg.Done()
			e.Unregister(conn)
		}()
		wg.Wait()

		e.mu.Lock()
		if _, ok := e.conns[conn.SessionID]; ok {
			e.mu.Unlock()
			t.Fatalf("iteration %d: connection still registered", i)
		}
		for name, room := range e.rooms {
			if room.has(conn.SessionID) {
				e.mu.Unlock()
				t.Fatalf("iteration %d: disconnected connection still in %q", i, name)
			}
		}
		e.mu.Unlock()
	}
}
