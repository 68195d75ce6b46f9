// Command fabric-server is the connector fabric's composition root. This
// file defines fabricCore, the adapter that satisfies internal/api's Core
// interface by wiring together the runtime registry, rule engine, action
// dispatcher, event bus, and correlation core built in main.go. Grounded
// on the teacher's cmd/api/main.go, which plays the same role for its own
// hub/escrow/reputation domain — one process-wide struct gluing otherwise
// independent internal packages to the HTTP surface.
package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ocx/connectorfabric/internal/api"
	"github.com/ocx/connectorfabric/internal/bus"
	"github.com/ocx/connectorfabric/internal/capability"
	"github.com/ocx/connectorfabric/internal/clock"
	"github.com/ocx/connectorfabric/internal/connector"
	"github.com/ocx/connectorfabric/internal/connector/bridge"
	"github.com/ocx/connectorfabric/internal/connector/camera"
	"github.com/ocx/connectorfabric/internal/connector/position"
	"github.com/ocx/connectorfabric/internal/correlation"
	"github.com/ocx/connectorfabric/internal/dispatch"
	"github.com/ocx/connectorfabric/internal/fabricerr"
	"github.com/ocx/connectorfabric/internal/model"
	"github.com/ocx/connectorfabric/internal/rules"
)

var _ api.Core = (*fabricCore)(nil)

// connectorEntry pairs a live runtime with the config it was built from,
// since connector.Runtime itself does not retain the connector's Type.
type connectorEntry struct {
	cfg     model.ConnectorConfig
	runtime *connector.Runtime
}

// fabricCore implements api.Core and dispatch.Lookup over a live registry
// of connector runtimes plus the rule engine, action dispatcher, event
// bus, and correlation core constructed in main.go.
type fabricCore struct {
	registry   *capability.Registry
	clk        clock.Clock
	bus        *bus.Bus
	engine     *rules.Engine
	dispatcher *dispatch.Dispatcher
	correl     *correlation.Core
	canonRules connector.CanonicalizationRules
	predicates map[string]model.Predicate
	deduper    connector.Deduper // nil means each Runtime gets its own in-memory window

	mu       sync.RWMutex
	runtimes map[string]*connectorEntry
}

func newFabricCore(registry *capability.Registry, clk clock.Clock, eventBus *bus.Bus) *fabricCore {
	return &fabricCore{
		registry:   registry,
		clk:        clk,
		bus:        eventBus,
		canonRules: connector.DefaultCanonicalizationRules(),
		predicates: defaultPredicates(),
		runtimes:   make(map[string]*connectorEntry),
	}
}

// lookup resolves a connector id under the read lock.
func (c *fabricCore) lookup(id string) (*connectorEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.runtimes[id]
	return e, ok
}

// lookupConnector adapts lookup to dispatch.Lookup's signature.
func (c *fabricCore) lookupConnector(connectorID string) (dispatch.Connector, bool) {
	e, ok := c.lookup(connectorID)
	if !ok {
		return nil, false
	}
	return e.runtime, true
}

// ListConnectors implements api.Core.
func (c *fabricCore) ListConnectors() []api.ConnectorSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]api.ConnectorSummary, 0, len(c.runtimes))
	for id, e := range c.runtimes {
		out = append(out, api.ConnectorSummary{ID: id, Type: e.cfg.Type, State: e.runtime.State()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateConnector implements api.Core: it builds the transport matching
// cfg.Type, wraps it in a Runtime, and registers it by id. The connector
// starts in state idle; a separate Connect call opens it.
func (c *fabricCore) CreateConnector(ctx context.Context, cfg model.ConnectorConfig) error {
	if cfg.ID == "" {
		return fabricerr.New(fabricerr.KindConfigError, "core.CreateConnector", "connector id must not be empty")
	}

	transport, err := buildTransport(cfg)
	if err != nil {
		return err
	}

	var opts []connector.Option
	if c.deduper != nil {
		opts = append(opts, connector.WithDeduper(c.deduper))
	}
	rt := connector.New(cfg, transport, c.registry, c.clk, c.bus.Publish, c.canonRules, opts...)

	c.mu.Lock()
	c.runtimes[cfg.ID] = &connectorEntry{cfg: cfg, runtime: rt}
	c.mu.Unlock()
	return nil
}

// Connect implements api.Core.
func (c *fabricCore) Connect(ctx context.Context, id string) error {
	e, ok := c.lookup(id)
	if !ok {
		return fabricerr.New(fabricerr.KindConfigError, "core.Connect", fmt.Sprintf("unknown connector %q", id))
	}
	return e.runtime.Connect(ctx)
}

// Disconnect implements api.Core.
func (c *fabricCore) Disconnect(ctx context.Context, id string) error {
	e, ok := c.lookup(id)
	if !ok {
		return fabricerr.New(fabricerr.KindConfigError, "core.Disconnect", fmt.Sprintf("unknown connector %q", id))
	}
	return e.runtime.Disconnect(ctx)
}

// Execute implements api.Core.
func (c *fabricCore) Execute(ctx context.Context, id, capabilityID, operation string, params map[string]any) (any, error) {
	e, ok := c.lookup(id)
	if !ok {
		return nil, fabricerr.New(fabricerr.KindConfigError, "core.Execute", fmt.Sprintf("unknown connector %q", id))
	}
	return e.runtime.Execute(ctx, capabilityID, operation, params)
}

// StreamEvents implements api.Core via a dedicated bus subscription per
// caller; the returned func unsubscribes and must be called once the
// caller is done (the SSE handler calls it on client disconnect).
func (c *fabricCore) StreamEvents(ctx context.Context) (<-chan *model.Event, func()) {
	ch := make(chan *model.Event, 64)
	sub := c.bus.Subscribe(nil, func(e *model.Event) {
		select {
		case ch <- e:
		default:
		}
	}, bus.DropNewest)
	return ch, sub.Unsubscribe
}

// PutRule implements api.Core: it resolves spec's predicate (a registered
// Go closure by name, or a compiled Rego policy), builds a throttle key
// function over the triggering event's payload, and installs the rule.
func (c *fabricCore) PutRule(id string, spec api.RuleSpec) error {
	var pred model.Predicate
	switch {
	case spec.RegoPolicy != "":
		p, err := rules.CompileRego(context.Background(), spec.RegoPolicy)
		if err != nil {
			return fabricerr.Wrap(fabricerr.KindConfigError, "core.PutRule", "rego compile failed", err)
		}
		pred = p
	case spec.PredicateName != "":
		p, ok := c.predicates[spec.PredicateName]
		if !ok {
			return fabricerr.New(fabricerr.KindConfigError, "core.PutRule", fmt.Sprintf("unknown predicate %q", spec.PredicateName))
		}
		pred = p
	default:
		return fabricerr.New(fabricerr.KindConfigError, "core.PutRule", "rule has neither predicate_name nor rego_policy")
	}

	var throttle model.ThrottleSpec
	if spec.ThrottleSecs > 0 {
		key := spec.ThrottleKey
		throttle = model.ThrottleSpec{
			Window: time.Duration(spec.ThrottleSecs) * time.Second,
			KeyFn:  func(e *model.Event) string { return throttleKey(e, key) },
		}
	}

	c.engine.SetRule(model.Rule{
		ID:        id,
		Predicate: pred,
		ActionTemplate: model.ActionTemplate{
			ConnectorID:     spec.ConnectorID,
			CapabilityID:    spec.CapabilityID,
			Operation:       spec.Operation,
			ParamsFromEvent: spec.Params,
		},
		Throttle: throttle,
		Enabled:  spec.Enabled,
	})
	return nil
}

// DeleteRule implements api.Core; removal is idempotent.
func (c *fabricCore) DeleteRule(id string) error {
	c.engine.RemoveRule(id)
	return nil
}

// RegisterDetectionPoint implements api.Core.
func (c *fabricCore) RegisterDetectionPoint(spec api.DetectionPointSpec) error {
	c.correl.RegisterDetectionPoint(model.DetectionPoint{
		ID:         spec.ID,
		Position:   spec.Position,
		Direction:  spec.Direction,
		SpeedLimit: spec.SpeedLimit,
		HasLimit:   spec.HasLimit,
		Active:     true,
	})
	return nil
}

// throttleKey resolves a rule's configured throttle key against one
// event: a dotted payload path, or the literal "device_id".
func throttleKey(e *model.Event, key string) string {
	if key == "" {
		return ""
	}
	if key == "device_id" {
		return e.DeviceID
	}
	if v, ok := lookupDottedPayload(e.Payload, key); ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func lookupDottedPayload(payload map[string]any, dotted string) (any, bool) {
	var cur any = payload
	for _, seg := range splitDots(dotted) {
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

func splitDots(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// defaultPredicates is the composition root's named-predicate registry
// for rules submitted with a predicate_name instead of a rego_policy.
// Operators who need something not covered here reach for rego_policy
// instead; this set covers the common vendor-agnostic cases.
func defaultPredicates() map[string]model.Predicate {
	return map[string]model.Predicate{
		"motion": func(e *model.Event) bool {
			return e.Type == model.EventMotion
		},
		"smart-detect": func(e *model.Event) bool {
			return e.Type == model.EventSmartDetectZone || e.Type == model.EventSmartDetectLine || e.Type == model.EventSmartDetectLoiter
		},
		"device-offline": func(e *model.Event) bool {
			if e.Type != model.EventDeviceStatus {
				return false
			}
			status, _ := e.Payload["status"].(string)
			return status == "offline"
		},
		"ring": func(e *model.Event) bool {
			return e.Type == model.EventRing
		},
		"speed-alert": func(e *model.Event) bool {
			return e.Type == model.EventSpeedAlert
		},
	}
}

// buildTransport is the connector factory: it maps a ConnectorConfig's
// Type and loosely-typed Settings onto the concrete Transport that
// connector variant requires. Grounded on the teacher's
// internal/reputation/factory.go backend switch, generalized from a
// storage-backend choice to a wire-transport choice.
func buildTransport(cfg model.ConnectorConfig) (connector.Transport, error) {
	switch cfg.Type {
	case "camera":
		return camera.New(camera.Settings{
			BaseURL:  settingStr(cfg.Settings, "base_url"),
			APIKey:   settingStr(cfg.Settings, "api_key"),
			Username: settingStr(cfg.Settings, "username"),
			Password: settingStr(cfg.Settings, "password"),
		}), nil
	case "position":
		return position.New(position.Settings{
			Target:    settingStr(cfg.Settings, "target"),
			DeviceIDs: settingStrSlice(cfg.Settings, "device_ids"),
		}), nil
	case "bridge":
		return bridge.New(bridge.Settings{
			Slack: bridge.SlackSettings{
				Token:          settingStr(settingMap(cfg.Settings, "slack"), "token"),
				DefaultChannel: settingStr(settingMap(cfg.Settings, "slack"), "default_channel"),
			},
			PubSub: bridge.PubSubSettings{
				ProjectID: settingStr(settingMap(cfg.Settings, "pubsub"), "project_id"),
				TopicID:   settingStr(settingMap(cfg.Settings, "pubsub"), "topic_id"),
			},
			Tasks: bridge.TasksSettings{
				ProjectID:  settingStr(settingMap(cfg.Settings, "cloudtasks"), "project_id"),
				LocationID: settingStr(settingMap(cfg.Settings, "cloudtasks"), "location_id"),
				QueueID:    settingStr(settingMap(cfg.Settings, "cloudtasks"), "queue_id"),
			},
			SocketIO: bridge.SocketIOSettings{
				ListenAddr: settingStr(settingMap(cfg.Settings, "socketio"), "listen_addr"),
			},
		}), nil
	default:
		return nil, fabricerr.New(fabricerr.KindConfigError, "core.buildTransport", fmt.Sprintf("unknown connector type %q", cfg.Type))
	}
}

func settingStr(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func settingStrSlice(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func settingMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	sub, _ := m[key].(map[string]any)
	return sub
}
