package connection

import (
	"time"
)

// State is a connection manager lifecycle state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateError        State = "ERROR"
)

// TransportType names the binding currently carrying requests.
type TransportType string

const (
	TransportPush TransportType = "push"
	TransportPoll TransportType = "poll"
)

// transitions lists the legal moves out of each state. Self-loops carry
// counter or transport changes (RECONNECTING retry n+1, CONNECTED poll to
// push).
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateReconnecting, StateError, StateDisconnected},
	StateConnected:    {StateConnected, StateReconnecting, StateError, StateDisconnected},
	StateReconnecting: {StateConnected, StateReconnecting, StateError, StateDisconnected},
	StateError:        {StateConnecting, StateDisconnected},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Status is a snapshot published on every transition.
type Status struct {
	SessionCode     string        `json:"sessionCode"`
	State           State         `json:"state"`
	Transport       TransportType `json:"transportType"`
	RetryCount      int           `json:"retryCount"`
	PushFailures    int           `json:"pushFailures"`
	LastError       error         `json:"-"`
	LastConnectedAt time.Time     `json:"lastConnectedAt,omitempty"`
	ConnectionID    string        `json:"connectionId,omitempty"`
	ChangedAt       time.Time     `json:"changedAt"`
}

// Degraded reports whether requests are arriving by polling only.
func (s Status) Degraded() bool {
	return s.State == StateConnected && s.Transport == TransportPoll
}

// StatusFunc receives every transition. It runs on the manager's goroutine
// and must not block or call back into Stop or Restart.
type StatusFunc func(Status)
