package model

import "time"

// ConnectorState is the closed set of lifecycle states a Connector instance
// can occupy. Transitions happen only via the documented triggers in the
// connector runtime's state machine.
type ConnectorState string

const (
	StateIdle         ConnectorState = "idle"
	StateConnecting    ConnectorState = "connecting"
	StateConnected      ConnectorState = "connected"
	StateDegraded        ConnectorState = "degraded"
	StateDisconnecting     ConnectorState = "disconnecting"
	StateFailed              ConnectorState = "failed"
)

// FailureKind qualifies a StateFailed connector (auth, net, timeout,
// exhausted backoff).
type FailureKind string

const (
	FailureAuth      FailureKind = "auth"
	FailureNet       FailureKind = "net"
	FailureTimeout   FailureKind = "timeout"
	FailureExhausted FailureKind = "exhausted"
)

// DeviceSnapshot is a cached, TTL-bounded view of one device as last
// observed by its owning connector.
type DeviceSnapshot struct {
	DeviceID   string
	Payload    map[string]any
	ObservedAt time.Time
}

// ConnectorConfig is frozen at connector construction time; it is never
// mutated by the running connector.
type ConnectorConfig struct {
	ID         string
	Type       string
	Settings   map[string]any
	ConnectTimeout time.Duration
	HeartbeatInterval time.Duration
	PollInterval time.Duration
	QueueSize  int
	RateWindow time.Duration
	RateBudget int
}
