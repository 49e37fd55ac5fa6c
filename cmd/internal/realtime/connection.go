package realtime

import (
	"sync"

	"relay/cmd/internal/auth/issuer"
	v1 "relay/shared/contracts/chat/v1"
)

// Connection represents one connected websocket session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
// - A connection starts unauthenticated; the bridge binds an identity after a
//   successful handshake. CurrentRoom set implies an identity is bound.
type Connection struct {
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	identity *issuer.Identity
	room     string
}

// NewConnection constructs a Connection with a bounded send queue.
func NewConnection(sessionID string, sendQueueSize int) *Connection {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Connection{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the connection is shutting down.
func (c *Connection) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the connection goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Connection) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// BindIdentity attaches a verified identity to the connection.
func (c *Connection) BindIdentity(id issuer.Identity) {
	c.mu.Lock()
	c.identity = &id
	c.mu.Unlock()
}

// Identity returns the bound identity, if any.
func (c *Connection) Identity() (issuer.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return issuer.Identity{}, false
	}
	return *c.identity, true
}

// Authenticated reports whether an identity is bound.
func (c *Connection) Authenticated() bool {
	_, ok := c.Identity()
	return ok
}

// Room returns the connection's current room, or "" when not joined.
func (c *Connection) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Connection) setRoom(name string) {
	c.mu.Lock()
	c.room = name
	c.mu.Unlock()
}
