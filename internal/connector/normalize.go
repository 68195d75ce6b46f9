package connector

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ocx/connectorfabric/internal/model"
)

// CanonicalizationRules maps an event type to an ordered list of payload
// key paths to try, in precedence order, when resolving device_id. This
// resolves the device_id canonicalization precedence Open Question: the
// mapping is declared, not inferred by heuristic scan.
type CanonicalizationRules map[model.EventType][]string

// DefaultCanonicalizationRules covers the event types the spec names.
func DefaultCanonicalizationRules() CanonicalizationRules {
	common := []string{"payload.deviceId", "payload.camera", "payload.id", "cameraId", "deviceId", "camera", "id", "device"}
	return CanonicalizationRules{
		model.EventMotion:           common,
		model.EventSmartDetectZone:  common,
		model.EventSmartDetectLine:  common,
		model.EventSmartDetectLoiter: common,
		model.EventRing:             common,
		model.EventRecording:        common,
		model.EventConnection:       common,
		model.EventDeviceStatus:     common,
		model.EventGeneric:          common,
	}
}

func (rules CanonicalizationRules) resolveDeviceID(eventType model.EventType, payload map[string]any) string {
	paths, ok := rules[eventType]
	if !ok {
		paths = rules[model.EventGeneric]
	}
	for _, path := range paths {
		if v, ok := lookupPath(payload, path); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func lookupPath(payload map[string]any, dotted string) (any, bool) {
	segs := strings.Split(dotted, ".")
	var cur any = payload
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// smartDetectCapabilityTags inspects known vendor tag fields and derives
// capabilities_observed entries, e.g. payload.smartDetectTypes == ["person"]
// -> "smartDetect:person".
func smartDetectCapabilityTags(payload map[string]any) map[string]struct{} {
	caps := make(map[string]struct{})
	if types, ok := payload["smartDetectTypes"].([]any); ok {
		for _, t := range types {
			if s, ok := t.(string); ok {
				caps["smartDetect:"+s] = struct{}{}
			}
		}
	}
	if _, ok := payload["isMotionDetected"]; ok {
		caps["motionDetection"] = struct{}{}
	}
	if _, ok := payload["lineCrossing"]; ok {
		caps["lineCrossing"] = struct{}{}
	}
	if _, ok := payload["zoneDetection"]; ok {
		caps["zoneDetection"] = struct{}{}
	}
	if _, ok := payload["licensePlate"]; ok {
		caps["licensePlateDetection"] = struct{}{}
	}
	if _, ok := payload["audioType"]; ok {
		caps["audioDetection"] = struct{}{}
	}
	return caps
}

func newEventID(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return uuid.NewString()
}

// discoveryTracker records previously-seen event types and per-type
// payload keys so unknown ones can be reported exactly once via
// event_type.discovered / fields.discovered meta-events (§4.3 step 4).
type discoveryTracker struct {
	mu         sync.Mutex
	seenTypes  map[model.EventType]struct{}
	seenFields map[model.EventType]map[string]struct{}
}

func newDiscoveryTracker() *discoveryTracker {
	return &discoveryTracker{
		seenTypes:  make(map[model.EventType]struct{}),
		seenFields: make(map[model.EventType]map[string]struct{}),
	}
}

// ObserveType reports whether t has not been seen before (i.e. whether an
// event_type.discovered meta-event should be emitted).
func (d *discoveryTracker) ObserveType(t model.EventType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seenTypes[t]; ok {
		return false
	}
	d.seenTypes[t] = struct{}{}
	return true
}

// ObserveFields returns the subset of payload keys not previously seen for
// t, recording them as seen. An empty result means no fields.discovered
// event is warranted.
func (d *discoveryTracker) ObserveFields(t model.EventType, payload map[string]any) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	known, ok := d.seenFields[t]
	if !ok {
		known = make(map[string]struct{})
		d.seenFields[t] = known
	}
	var fresh []string
	for k := range payload {
		if _, ok := known[k]; !ok {
			known[k] = struct{}{}
			fresh = append(fresh, k)
		}
	}
	return fresh
}
