package model

import "time"

// Predicate is a pure boolean function over an event. Evaluation failures
// are the caller's responsibility to treat as non-matches (§4.6).
type Predicate func(*Event) bool

// ActionTemplate specifies where an action goes and how its parameters are
// derived from the triggering event.
type ActionTemplate struct {
	ConnectorID string
	CapabilityID string
	Operation    string
	// ParamsFromEvent maps a parameter name to a dotted payload path
	// ("payload.deviceId") or a literal prefixed with "=" ("=snapshot").
	ParamsFromEvent map[string]string
}

// ThrottleSpec bounds how often a rule may fire for a given computed key.
type ThrottleSpec struct {
	KeyFn  func(*Event) string
	Window time.Duration
}

// Rule is the engine's unit of configuration: predicate, action template,
// and throttle.
type Rule struct {
	ID             string
	Predicate      Predicate
	ActionTemplate ActionTemplate
	Throttle       ThrottleSpec
	Enabled        bool
}

// ActionInvocation is produced by the rule engine and consumed by the
// action dispatcher.
type ActionInvocation struct {
	ID           string
	ConnectorID  string
	CapabilityID string
	Operation    string
	Parameters   map[string]any
	Deadline     time.Time
	Attempt      int
	Fingerprint  string
}
