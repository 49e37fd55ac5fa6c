// Package realtime contains Relay's websocket bridge, room membership engine
// and message persistence primitives.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "relay/shared/contracts/chat/v1"
)

// DefaultRoom always exists and cannot be deleted.
const DefaultRoom = "general"

// Engine owns room membership and event fan-out. It decides which
// notifications each membership change produces; the bridge only translates
// transport frames into engine calls.
//
// Membership invariant: a connection is a member of at most one room at a
// time. Joining a different room implicitly leaves the current one.
type Engine struct {
	log      *slog.Logger
	roomSt   RoomStore
	messages MessageStore
	metrics  Metrics
	typing   *typingTracker

	mu    sync.Mutex
	rooms map[string]*Room
	conns map[string]*Connection
}

// NewEngine constructs an engine over the given stores. Metrics may be nil.
func NewEngine(log *slog.Logger, rooms RoomStore, messages MessageStore, metrics Metrics) *Engine {
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Engine{
		log:      log,
		roomSt:   rooms,
		messages: messages,
		metrics:  metrics,
		typing:   newTypingTracker(typingWindow),
		rooms:    make(map[string]*Room),
		conns:    make(map[string]*Connection),
	}
}

// Load primes the in-memory room set from the room store. The default room
// is created if the store does not know it yet.
func (e *Engine) Load(ctx context.Context) error {
	names, err := e.roomSt.List(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}

	seeded := false
	e.mu.Lock()
	for _, name := range names {
		if _, ok := e.rooms[name]; !ok {
			e.rooms[name] = NewRoom(e.log, name)
		}
		if name == DefaultRoom {
			seeded = true
		}
	}
	if !seeded {
		e.rooms[DefaultRoom] = NewRoom(e.log, DefaultRoom)
	}
	e.mu.Unlock()

	if !seeded {
		if err := e.roomSt.Create(ctx, DefaultRoom); err != nil && !errors.Is(err, ErrRoomExists) {
			return fmt.Errorf("seed default room: %w", err)
		}
	}
	return nil
}

// Register adds a connection to the engine's registry. Registration is
// transport-level; the connection may still be unauthenticated.
func (e *Engine) Register(conn *Connection) {
	e.mu.Lock()
	e.conns[conn.SessionID] = conn
	e.mu.Unlock()
}

// Unregister removes a connection, implicitly leaving its current room.
// user_left is emitted only when the connection was authenticated and joined.
//
// Held under e.mu end to end: Unregister races the read loop's Join (the
// bridge shutdown runs on the writer/heartbeat/grace goroutines), and the
// membership mutation must be serialized per connection or a disconnect
// landing mid-Join leaves the dead connection in the new room's member set.
func (e *Engine) Unregister(conn *Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.conns, conn.SessionID)
	e.typing.forget(conn.SessionID)

	room := e.rooms[conn.Room()]
	if room == nil {
		return
	}
	if removed := room.remove(conn.SessionID); removed == nil {
		return
	}
	conn.setRoom("")

	if id, ok := conn.Identity(); ok {
		room.Broadcast(newEvent(v1.TypeUserLeft, v1.UserLeftPayload{Username: id.Username, Room: room.Name}))
	}
}

// Join makes conn a member of the named room.
//
// A join to the connection's current room is idempotent and emits nothing.
// Otherwise the current room (if any) is left first with a user_left to its
// remaining members, then user_joined goes to the new room's other members
// and room_joined to the actor.
func (e *Engine) Join(conn *Connection, rawName string) error {
	id, ok := conn.Identity()
	if !ok {
		return ErrNotAuthenticated
	}

	name, err := NormalizeRoomName(rawName)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// A connection that already unregistered must not re-enter a member
	// set: nothing would ever remove it again.
	if _, registered := e.conns[conn.SessionID]; !registered {
		return nil
	}

	room := e.rooms[name]
	if room == nil {
		return ErrRoomNotFound
	}
	if room.has(conn.SessionID) {
		return nil
	}

	if old := e.rooms[conn.Room()]; old != nil && old.Name != name {
		if removed := old.remove(conn.SessionID); removed != nil {
			conn.setRoom("")
			e.typing.forget(conn.SessionID)
			old.Broadcast(newEvent(v1.TypeUserLeft, v1.UserLeftPayload{Username: id.Username, Room: old.Name}))
		}
	}

	room.add(conn)
	conn.setRoom(name)

	room.BroadcastExcept(conn.SessionID, newEvent(v1.TypeUserJoined, v1.UserJoinedPayload{Username: id.Username, Room: name}))
	e.send(conn, newEvent(v1.TypeRoomJoined, v1.RoomJoinedPayload{Room: name, Username: id.Username}))
	return nil
}

// Leave removes conn from the named room. Leaving a room the connection is
// not a member of is a no-op.
func (e *Engine) Leave(conn *Connection, rawName string) error {
	id, ok := conn.Identity()
	if !ok {
		return ErrNotAuthenticated
	}

	name, err := NormalizeRoomName(rawName)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	room := e.rooms[name]
	if room == nil {
		return nil
	}
	if removed := room.remove(conn.SessionID); removed == nil {
		return nil
	}
	if conn.Room() == name {
		conn.setRoom("")
	}
	e.typing.forget(conn.SessionID)

	room.Broadcast(newEvent(v1.TypeUserLeft, v1.UserLeftPayload{Username: id.Username, Room: name}))
	return nil
}

// SendMessage validates, persists and fans out a chat message. The durable
// store acknowledges before any member sees the event.
func (e *Engine) SendMessage(ctx context.Context, conn *Connection, rawRoom, content string) error {
	id, ok := conn.Identity()
	if !ok {
		return ErrNotAuthenticated
	}

	name, err := NormalizeRoomName(rawRoom)
	if err != nil {
		return err
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("%w: empty message", ErrValidation)
	}
	if len([]rune(content)) > maxMessageChars {
		return fmt.Errorf("%w: message too long, max %d characters", ErrValidation, maxMessageChars)
	}

	e.mu.Lock()
	room := e.rooms[name]
	e.mu.Unlock()

	if room == nil {
		return ErrRoomNotFound
	}
	if !room.has(conn.SessionID) {
		return ErrNotJoined
	}

	msg := StoredMessage{
		ID:          NewMessageID(),
		Room:        name,
		Username:    id.Username,
		DisplayName: id.DisplayName,
		Content:     content,
		AvatarColor: id.AvatarColor,
		NameColor:   id.NameColor,
		AvatarRef:   id.AvatarRef,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.messages.Append(ctx, msg); err != nil {
		return fmt.Errorf("store append: %w", err)
	}

	room.Broadcast(messageEvent(msg))
	e.metrics.MessageBroadcast()
	return nil
}

// DeleteMessage removes a message authored by the acting user and notifies
// the room.
func (e *Engine) DeleteMessage(ctx context.Context, conn *Connection, rawRoom, messageID string) error {
	id, ok := conn.Identity()
	if !ok {
		return ErrNotAuthenticated
	}

	name, err := NormalizeRoomName(rawRoom)
	if err != nil {
		return err
	}
	if strings.TrimSpace(messageID) == "" {
		return fmt.Errorf("%w: missing message id", ErrValidation)
	}

	e.mu.Lock()
	room := e.rooms[name]
	e.mu.Unlock()

	if room == nil {
		return ErrRoomNotFound
	}
	if !room.has(conn.SessionID) {
		return ErrNotJoined
	}

	if err := e.messages.Delete(ctx, name, messageID, id.Username); err != nil {
		return err
	}

	room.Broadcast(newEvent(v1.TypeMessageDeleted, v1.MessageDeletedPayload{MessageID: messageID}))
	return nil
}

// Typing fans out a composing signal to the other members of the
// connection's current room. The sender never receives its own signal and
// repeated signals inside the coalescing window are suppressed. A typing
// signal outside the current room is dropped silently.
func (e *Engine) Typing(conn *Connection, rawRoom string) error {
	id, ok := conn.Identity()
	if !ok {
		return ErrNotAuthenticated
	}

	name, err := NormalizeRoomName(rawRoom)
	if err != nil {
		return err
	}
	if conn.Room() != name {
		return nil
	}
	if !e.typing.shouldBroadcast(conn.SessionID, time.Now().UTC()) {
		return nil
	}

	e.mu.Lock()
	room := e.rooms[name]
	e.mu.Unlock()
	if room == nil {
		return nil
	}

	room.BroadcastExcept(conn.SessionID, newEvent(v1.TypeUserTyping, v1.UserTypingPayload{Username: id.Username}))
	return nil
}

// CreateRoom validates and persists a new room, then announces it to every
// authenticated connection. The creator is not joined automatically.
func (e *Engine) CreateRoom(ctx context.Context, rawName string) (string, error) {
	name, err := NormalizeRoomName(rawName)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	_, exists := e.rooms[name]
	e.mu.Unlock()
	if exists {
		return "", ErrRoomExists
	}

	if err := e.roomSt.Create(ctx, name); err != nil {
		return "", err
	}

	e.mu.Lock()
	if _, ok := e.rooms[name]; !ok {
		e.rooms[name] = NewRoom(e.log, name)
	}
	e.mu.Unlock()

	e.broadcastAll(newEvent(v1.TypeRoomCreated, v1.RoomCreatedPayload{Room: name}))
	e.log.Info("room.created", "room", name)
	return name, nil
}

// DeleteRoom removes a room, its messages, and implicitly leaves every
// member. The default room is protected.
func (e *Engine) DeleteRoom(ctx context.Context, rawName string) error {
	name, err := NormalizeRoomName(rawName)
	if err != nil {
		return err
	}
	if name == DefaultRoom {
		return ErrRoomProtected
	}

	e.mu.Lock()
	room := e.rooms[name]
	e.mu.Unlock()
	if room == nil {
		return ErrRoomNotFound
	}

	if err := e.roomSt.Delete(ctx, name); err != nil {
		return err
	}
	if err := e.messages.DeleteRoomMessages(ctx, name); err != nil {
		e.log.Error("room.messages.purge.fail", "room", name, "err", err)
	}

	// Evict members and drop the room in one critical section so a
	// concurrent Join cannot land in the room after the snapshot.
	e.mu.Lock()
	for _, member := range room.snapshot() {
		room.remove(member.SessionID)
		if member.Room() == name {
			member.setRoom("")
		}
		e.typing.forget(member.SessionID)
	}
	delete(e.rooms, name)
	e.mu.Unlock()

	e.log.Info("room.deleted", "room", name)
	return nil
}

// Rooms returns the known room names, sorted by the store.
func (e *Engine) Rooms(ctx context.Context) ([]string, error) {
	return e.roomSt.List(ctx)
}

// History returns the recent message window for a room, oldest-first.
func (e *Engine) History(ctx context.Context, rawRoom string, limit int) ([]StoredMessage, error) {
	name, err := NormalizeRoomName(rawRoom)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	_, ok := e.rooms[name]
	e.mu.Unlock()
	if !ok {
		return nil, ErrRoomNotFound
	}

	return e.messages.ListRecent(ctx, name, limit)
}

// broadcastAll delivers an event to every authenticated connection,
// regardless of room membership.
func (e *Engine) broadcastAll(env v1.Envelope) {
	e.mu.Lock()
	conns := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		if !c.Authenticated() {
			continue
		}
		if !deliver(c, env) {
			e.metrics.EventDropped()
		}
	}
}

// send enqueues an event for a single connection, best-effort.
func (e *Engine) send(conn *Connection, env v1.Envelope) {
	if !deliver(conn, env) {
		e.metrics.EventDropped()
	}
}
