package connector

import (
	"log/slog"
	"time"

	"github.com/ocx/connectorfabric/internal/frame"
	"github.com/ocx/connectorfabric/internal/model"
)

// handleInbound implements the inbound event pipeline (§4.3): decode,
// classify, dedup, discover, normalize, publish. Any error here is logged
// and the single frame is skipped; the session is never torn down for a
// malformed payload.
func (r *Runtime) handleInbound(raw []byte) {
	msg, err := frame.Decode(raw)
	if err != nil {
		slog.Warn("connector: dropping malformed frame", "connector_id", r.cfg.ID, "error", err)
		return
	}

	if isHeartbeatMessage(msg.Fields) {
		return
	}

	eventType, payload := classify(msg)

	deviceID := r.rules.resolveDeviceID(eventType, payload)
	eventID := newEventID(stringField(payload, "eventId"))

	if deviceID != "" && r.dedup.SeenBefore(deviceID, eventID) {
		return
	}

	now := r.clk.Now()

	if r.disc.ObserveType(eventType) {
		r.onEvent(r.metaEvent(model.EventTypeDiscovered, now, map[string]any{"type": string(eventType)}))
	}
	if fresh := r.disc.ObserveFields(eventType, payload); len(fresh) > 0 {
		r.onEvent(r.metaEvent(model.EventFieldsDiscovered, now, map[string]any{
			"type": string(eventType), "fields": fresh,
		}))
	}

	ev := &model.Event{
		ID:                   eventID,
		SourceConnectorID:    r.cfg.ID,
		Type:                 eventType,
		DeviceID:             deviceID,
		OccurredAt:           extractTimestamp(payload, now),
		ReceivedAt:           now,
		Payload:              payload,
		CapabilitiesObserved: smartDetectCapabilityTags(payload),
	}

	if deviceID != "" {
		r.cache.Put(deviceID, payload)
	}

	r.onEvent(ev)
}

func (r *Runtime) metaEvent(t model.EventType, at time.Time, payload map[string]any) *model.Event {
	return &model.Event{
		ID:                newEventID(""),
		SourceConnectorID: r.cfg.ID,
		Type:              t,
		OccurredAt:        at,
		ReceivedAt:        at,
		Payload:           payload,
	}
}

// classify implements step 2's structural classifier.
func classify(msg *frame.Message) (model.EventType, map[string]any) {
	fields := msg.Fields

	if item, hasItem := fields["item"]; hasItem {
		if _, hasType := fields["type"]; hasType {
			t := mapEventType(stringField(fields, "type"))
			payload := mergePayload(fields, item)
			return t, payload
		}
	}

	if _, hasModelKey := fields["modelKey"]; hasModelKey {
		if _, hasID := fields["id"]; hasID {
			return model.EventDeviceStatus, fields
		}
	}

	switch msg.Action {
	case "add", "remove", "update":
		payload := make(map[string]any, len(fields)+1)
		for k, v := range fields {
			payload[k] = v
		}
		payload["_action"] = msg.Action
		return model.EventDeviceStatus, payload
	}

	return model.EventGeneric, fields
}

func mergePayload(fields map[string]any, item any) map[string]any {
	payload := make(map[string]any, len(fields))
	for k, v := range fields {
		payload[k] = v
	}
	if itemMap, ok := item.(map[string]any); ok {
		for k, v := range itemMap {
			payload[k] = v
		}
	} else {
		payload["item"] = item
	}
	return payload
}

func mapEventType(raw string) model.EventType {
	switch raw {
	case "motion":
		return model.EventMotion
	case "smartDetectZone":
		return model.EventSmartDetectZone
	case "smartDetectLine":
		return model.EventSmartDetectLine
	case "smartDetectLoiter":
		return model.EventSmartDetectLoiter
	case "ring":
		return model.EventRing
	case "recording":
		return model.EventRecording
	case "connection":
		return model.EventConnection
	case "deviceStatus", "device.status":
		return model.EventDeviceStatus
	default:
		return model.EventGeneric
	}
}

func isHeartbeatMessage(fields map[string]any) bool {
	t := stringField(fields, "type")
	return t == "ping" || t == "pong"
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func extractTimestamp(payload map[string]any, fallback time.Time) time.Time {
	for _, key := range []string{"timestamp", "startTime", "eventTime"} {
		v, ok := payload[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			// vendor timestamps are epoch milliseconds
			return time.UnixMilli(int64(n)).UTC()
		case string:
			if ts, err := time.Parse(time.RFC3339, n); err == nil {
				return ts.UTC()
			}
		}
	}
	return fallback
}
