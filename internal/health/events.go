package health

import "time"

// ConnectedEvent fires when a connection transitions to connected.
type ConnectedEvent struct {
	ConnectionID string    `json:"connectionId"`
	Provider     string    `json:"provider"`
	Reconnect    bool      `json:"reconnect"`
	At           time.Time `json:"at"`
}

// DisconnectedEvent fires when a connection transitions to disconnected,
// either explicitly or after exhausting missed heartbeats.
type DisconnectedEvent struct {
	ConnectionID string    `json:"connectionId"`
	Provider     string    `json:"provider"`
	Reason       string    `json:"reason"`
	At           time.Time `json:"at"`
}

// HeartbeatMissedEvent fires each sweep that finds a connection idle past the
// heartbeat timeout.
type HeartbeatMissedEvent struct {
	ConnectionID string        `json:"connectionId"`
	Provider     string        `json:"provider"`
	Missed       int           `json:"missed"`
	IdleFor      time.Duration `json:"idleFor"`
	At           time.Time     `json:"at"`
}
