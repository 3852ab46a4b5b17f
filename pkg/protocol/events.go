package protocol

import (
	"time"
)

// Stream event names shared by every push binding.
const (
	EventConnected   = "connected"
	EventHeartbeat   = "heartbeat"
	EventToolRequest = "tool-request"
	EventError       = "error"
	EventTimeout     = "timeout"
)

// Event is one message on a push binding. On SSE the name is the `event:`
// field and Data the `data:` line; on WebSocket both travel in one frame.
type Event struct {
	Event string `json:"event"`
	Data  Value  `json:"data"`
}

// ConnectedPayload is the data of the connected event.
type ConnectedPayload struct {
	Code         string    `json:"code"`
	ConnectionID string    `json:"connectionId"`
	Capabilities []string  `json:"capabilities"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// HeartbeatPayload is the data of the heartbeat event.
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// TimeoutPayload is the data of the timeout event.
type TimeoutPayload struct {
	Reason   string `json:"reason"`
	Lifetime string `json:"lifetime"`
}
