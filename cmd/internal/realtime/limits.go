package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message content length (runes).
	maxMessageChars = 2000

	// Room name length bounds, applied after normalization.
	minRoomNameLen = 2
	maxRoomNameLen = 20

	// History window replayed to a joining connection.
	historyLimit    = 50
	maxHistoryLimit = 200
)

const (
	// Heartbeat defaults (can be overridden by env in bridge.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Repeated typing signals from the same session are coalesced within
	// this window.
	typingWindow = 3 * time.Second
)
