// Package model holds the fabric's shared data types: Event, Connector
// state, Subscription, Rule, ActionInvocation, DetectionPoint, and Track.
// These are plain data — behavior lives in the owning packages (bus,
// connector, rules, dispatch, correlation).
package model

import (
	"time"
)

// EventType is the closed vocabulary of event tags the core understands.
type EventType string

const (
	EventMotion          EventType = "motion"
	EventSmartDetectZone EventType = "smart.detect.zone"
	EventSmartDetectLine EventType = "smart.detect.line"
	EventSmartDetectLoiter EventType = "smart.detect.loiter"
	EventRing            EventType = "ring"
	EventRecording        EventType = "recording"
	EventConnection        EventType = "connection"
	EventDeviceStatus       EventType = "device.status"
	EventGeneric             EventType = "generic"

	// Internal meta-events, never produced by a vendor payload directly.
	EventTypeDiscovered   EventType = "event_type.discovered"
	EventFieldsDiscovered EventType = "fields.discovered"
	EventActionCompleted  EventType = "action.completed"
	EventActionFailed     EventType = "action.failed"
	EventSpeedCalculated  EventType = "speed.calculated"
	EventSpeedAlert       EventType = "speed.alert"
)

// Event is the fabric's unit of data. Once published it is immutable;
// subscribers receive a read-only view whose lifetime ends when their sink
// returns.
type Event struct {
	ID                   string
	SourceConnectorID    string
	Type                 EventType
	DeviceID             string // empty means "no device"
	OccurredAt           time.Time
	ReceivedAt           time.Time
	Payload              map[string]any
	CapabilitiesObserved map[string]struct{}
}

// HasCapability reports whether the event carries the given observed
// capability tag (e.g. "lineCrossing", "zoneDetection").
func (e *Event) HasCapability(tag string) bool {
	if e == nil || e.CapabilitiesObserved == nil {
		return false
	}
	_, ok := e.CapabilitiesObserved[tag]
	return ok
}

// Clone returns a deep-enough copy safe for a subscriber to retain past the
// lifetime of the delivery call (the bus itself never needs this; it's a
// convenience for sinks that want to hold onto a snapshot).
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Payload = make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		cp.Payload[k] = v
	}
	cp.CapabilitiesObserved = make(map[string]struct{}, len(e.CapabilitiesObserved))
	for k := range e.CapabilitiesObserved {
		cp.CapabilitiesObserved[k] = struct{}{}
	}
	return &cp
}
