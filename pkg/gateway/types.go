package gateway

import (
	"context"
	"time"
)

// Binding names a push or pull transport.
type Binding string

const (
	BindingSSE       Binding = "sse"
	BindingWebSocket Binding = "websocket"
	BindingPoll      Binding = "poll"
)

// StreamInfo describes one open push stream.
type StreamInfo struct {
	ID          string    `json:"id"`
	SessionCode string    `json:"sessionCode"`
	Binding     Binding   `json:"binding"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastEventAt time.Time `json:"lastEventAt"`
	IPAddress   string    `json:"ipAddress"`
	Delivered   int       `json:"delivered"`
}

// Stream is the registry's handle on an open push stream.
type Stream struct {
	ID          string
	SessionCode string
	Binding     Binding
	ConnectedAt time.Time
	LastEventAt time.Time
	IPAddress   string
	Delivered   int
	cancel      context.CancelFunc
}

// StreamTimings controls the push loop. Zero values take the defaults.
type StreamTimings struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxLifetime       time.Duration
}

const (
	DefaultPollInterval      = time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxStreamLifetime = 10 * time.Minute
	DefaultMaxBodyBytes      = 1 << 20
	DefaultSessionsPerMinute = 30
	DefaultMaxResponseWait   = 30 * time.Second
)

func (t StreamTimings) withDefaults() StreamTimings {
	if t.PollInterval <= 0 {
		t.PollInterval = DefaultPollInterval
	}
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if t.MaxLifetime <= 0 {
		t.MaxLifetime = DefaultMaxStreamLifetime
	}
	return t
}
