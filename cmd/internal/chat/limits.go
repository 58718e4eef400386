package chat

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 5000

	// Notification preview length (runes).
	previewChars = 50
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Bounded timeout on the persistence call within SendMessage so a slow
	// store surfaces message:error instead of hanging the sender.
	defaultPersistTimeout = 5 * time.Second
)

const (
	// History pagination defaults.
	defaultPageLimit = 50
	maxPageLimit     = 200
)
