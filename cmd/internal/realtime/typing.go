package realtime

import (
	"sync"
	"time"
)

// typingTracker coalesces repeated typing signals per session: one broadcast
// per window, further signals inside the window are suppressed. State is
// dropped when the session leaves a room or disconnects, so a stale entry
// never outlives the connection.
type typingTracker struct {
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func newTypingTracker(window time.Duration) *typingTracker {
	if window <= 0 {
		window = typingWindow
	}
	return &typingTracker{
		window: window,
		last:   make(map[string]time.Time),
	}
}

// shouldBroadcast reports whether a typing signal from the session should be
// fanned out now, and records it if so.
func (t *typingTracker) shouldBroadcast(sessionID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if at, ok := t.last[sessionID]; ok && now.Sub(at) < t.window {
		return false
	}
	t.last[sessionID] = now
	return true
}

// forget drops the session's typing state.
func (t *typingTracker) forget(sessionID string) {
	t.mu.Lock()
	delete(t.last, sessionID)
	t.mu.Unlock()
}
