package realtime

import "time"

// Transport limits.
const (
	// Max bytes per websocket frame read. messages_read carries a full
	// conversation history, so this is larger than a single message.
	maxFrameBytes = 4 << 20 // 4 MiB

	// Max outbound message text length (runes).
	maxMessageChars = 4000
)

const (
	defaultWriteTimeout = 5 * time.Second
	closeGrace          = 1 * time.Second

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Outbound events per window. Typing signals count too.
	rateLimitEvents = 100
	rateLimitWindow = 10 * time.Second
)
