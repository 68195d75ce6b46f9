// Package rules implements the Rule Engine (C6): a single bus subscription
// evaluating a compiled union of independent rules against every event,
// emitting ActionInvocation values to the Action Dispatcher under a
// fingerprint-coalescing, throttled policy.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/connectorfabric/internal/clock"
	"github.com/ocx/connectorfabric/internal/model"
)

// Dispatch is how an ActionInvocation reaches the Action Dispatcher.
// Coalescing duplicates is the engine's job, not the dispatcher's —
// Engine.Evaluate emits at most one invocation per fingerprint in flight
// and drops a later duplicate without handing back the in-flight one.
type Dispatch func(model.ActionInvocation)

// Engine holds the compiled rule set and throttle/fingerprint bookkeeping.
type Engine struct {
	clk      clock.Clock
	dispatch Dispatch

	mu          sync.RWMutex
	rules       map[string]model.Rule
	throttleLast map[string]map[string]time.Time // ruleID -> throttleKey -> lastFiredAt
	inFlight    map[string]struct{}              // fingerprint -> present while in flight

	suppressedCount map[string]int // ruleID -> count, for observability
}

// New constructs an Engine.
func New(clk clock.Clock, dispatch Dispatch) *Engine {
	return &Engine{
		clk:             clk,
		dispatch:        dispatch,
		rules:           make(map[string]model.Rule),
		throttleLast:    make(map[string]map[string]time.Time),
		inFlight:        make(map[string]struct{}),
		suppressedCount: make(map[string]int),
	}
}

// SetRule installs or replaces a rule, enabling hot reload.
func (e *Engine) SetRule(r model.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.ID] = r
}

// RemoveRule deletes a rule by id, idempotently.
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, id)
	delete(e.throttleLast, id)
}

// ReplaceAll atomically swaps the entire rule set, used by hot reload.
func (e *Engine) ReplaceAll(rs []model.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[string]model.Rule, len(rs))
	for _, r := range rs {
		e.rules[r.ID] = r
	}
}

// Evaluate is the bus sink: it runs the union predicate over one event.
// All rules evaluate independently; there is no priority or
// short-circuiting across rules. Predicate failures are non-matches and
// are logged, never propagated.
func (e *Engine) Evaluate(ev *model.Event) {
	e.mu.RLock()
	snapshot := make([]model.Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			snapshot = append(snapshot, r)
		}
	}
	e.mu.RUnlock()

	for _, r := range snapshot {
		e.evaluateOne(r, ev)
	}
}

func (e *Engine) evaluateOne(r model.Rule, ev *model.Event) {
	matched := e.safePredicate(r, ev)
	if !matched {
		return
	}

	if r.Throttle.KeyFn != nil && r.Throttle.Window > 0 {
		key := r.Throttle.KeyFn(ev)
		if e.isThrottled(r.ID, key) {
			e.mu.Lock()
			e.suppressedCount[r.ID]++
			e.mu.Unlock()
			return
		}
	}

	params := resolveParams(r.ActionTemplate.ParamsFromEvent, ev)
	fp := Fingerprint(r.ActionTemplate.ConnectorID, r.ActionTemplate.CapabilityID, r.ActionTemplate.Operation, params)

	if e.markInFlight(fp) {
		return // duplicate in-flight action coalesced
	}

	e.dispatch(model.ActionInvocation{
		ID:           uuid.NewString(),
		ConnectorID:  r.ActionTemplate.ConnectorID,
		CapabilityID: r.ActionTemplate.CapabilityID,
		Operation:    r.ActionTemplate.Operation,
		Parameters:   params,
		Deadline:     e.clk.Now().Add(10 * time.Second),
		Attempt:      1,
		Fingerprint:  fp,
	})
}

func (e *Engine) safePredicate(r model.Rule, ev *model.Event) (matched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("rules: predicate panicked, treating as non-match", "rule_id", r.ID, "panic", rec)
			matched = false
		}
	}()
	if r.Predicate == nil {
		return false
	}
	return r.Predicate(ev)
}

func (e *Engine) isThrottled(ruleID, key string) bool {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	perKey, ok := e.throttleLast[ruleID]
	if !ok {
		perKey = make(map[string]time.Time)
		e.throttleLast[ruleID] = perKey
	}
	last, ok := perKey[key]
	r := e.rules[ruleID]
	if ok && now.Sub(last) < r.Throttle.Window {
		return true
	}
	perKey[key] = now
	return false
}

// markInFlight returns true if fp was already in flight (caller should
// coalesce / skip), false if it has now been claimed by this call.
func (e *Engine) markInFlight(fp string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[fp]; ok {
		return true
	}
	e.inFlight[fp] = struct{}{}
	return false
}

// Release clears a fingerprint's in-flight marker. The Action Dispatcher
// calls this once an invocation completes (success or final failure) so a
// later event can trigger a fresh action.
func (e *Engine) Release(fp string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, fp)
}

// Fingerprint computes hash(connector_id, capability_id, operation,
// canonical(parameters)) per §4.6.
func Fingerprint(connectorID, capabilityID, operation string, parameters map[string]any) string {
	h := sha256.New()
	h.Write([]byte(connectorID))
	h.Write([]byte{0})
	h.Write([]byte(capabilityID))
	h.Write([]byte{0})
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write([]byte(canonicalizeParams(parameters)))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalizeParams produces a stable textual form: keys sorted, values
// JSON-encoded.
func canonicalizeParams(parameters map[string]any) string {
	keys := make([]string, 0, len(parameters))
	for k := range parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		v, err := json.Marshal(parameters[k])
		if err != nil {
			b.WriteString(fmt.Sprintf("%v", parameters[k]))
		} else {
			b.Write(v)
		}
		b.WriteByte(';')
	}
	return b.String()
}

// resolveParams maps an ActionTemplate's ParamsFromEvent against the
// triggering event: a dotted payload path, or a literal value prefixed
// with "=".
func resolveParams(spec map[string]string, ev *model.Event) map[string]any {
	out := make(map[string]any, len(spec))
	for name, path := range spec {
		if strings.HasPrefix(path, "=") {
			out[name] = path[1:]
			continue
		}
		if v, ok := lookupDotted(ev.Payload, path); ok {
			out[name] = v
			continue
		}
		if path == "device_id" {
			out[name] = ev.DeviceID
		}
	}
	return out
}

func lookupDotted(payload map[string]any, dotted string) (any, bool) {
	segs := strings.Split(dotted, ".")
	var cur any = payload
	for i, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		if i == len(segs)-1 {
			return v, true
		}
		cur = v
	}
	return nil, false
}

// SuppressedCount reports how many matches a rule has had throttled away,
// for diagnostics/metrics.
func (e *Engine) SuppressedCount(ruleID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.suppressedCount[ruleID]
}
