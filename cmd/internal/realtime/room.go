package realtime

import (
	"log/slog"
	"sync"

	v1 "relay/shared/contracts/chat/v1"
)

// Room is an in-memory membership + broadcast fanout primitive.
//
// Concurrency guarantees:
// - add/remove are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Connection.Send is never closed by the server.
//
// A Room does not own its members: removing a connection never tears the
// connection down, the connection outlives any room it visits.
type Room struct {
	log  *slog.Logger
	Name string

	mu      sync.RWMutex
	members map[string]*Connection
}

// NewRoom constructs a room.
func NewRoom(log *slog.Logger, name string) *Room {
	return &Room{
		log:     log,
		Name:    name,
		members: make(map[string]*Connection),
	}
}

func (r *Room) add(conn *Connection) {
	if r == nil || conn == nil || conn.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[conn.SessionID] = conn
	r.mu.Unlock()

	r.log.Info("room.member.join", "room", r.Name, "session_id", conn.SessionID)
}

func (r *Room) remove(sessionID string) *Connection {
	if r == nil || sessionID == "" {
		return nil
	}

	r.mu.Lock()
	conn := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if conn != nil {
		r.log.Info("room.member.leave", "room", r.Name, "session_id", sessionID)
	}
	return conn
}

func (r *Room) has(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[sessionID]
	return ok
}

func (r *Room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// snapshot returns the current members. Broadcasts operate on the snapshot so
// that joins and leaves during fan-out do not affect delivery of this event.
func (r *Room) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

// Broadcast fanouts an envelope to all members.
// Non-blocking: if a member queue is full or the connection is shutting down, it is dropped.
func (r *Room) Broadcast(env v1.Envelope) {
	if r == nil {
		return
	}
	for _, m := range r.snapshot() {
		deliver(m, env)
	}
}

// BroadcastExcept fanouts an envelope to all members except one session,
// typically the acting sender.
func (r *Room) BroadcastExcept(sessionID string, env v1.Envelope) {
	if r == nil {
		return
	}
	for _, m := range r.snapshot() {
		if m.SessionID == sessionID {
			continue
		}
		deliver(m, env)
	}
}

// deliver enqueues best-effort: shutting-down and backpressured connections
// are skipped rather than blocking the fan-out.
func deliver(conn *Connection, env v1.Envelope) bool {
	if conn == nil {
		return false
	}

	select {
	case <-conn.Done():
		return false
	default:
	}

	select {
	case conn.Send <- env:
		return true
	default:
		return false
	}
}
