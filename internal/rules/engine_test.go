package rules

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/connectorfabric/internal/clock"
	"github.com/ocx/connectorfabric/internal/model"
)

func ringRule(id string) model.Rule {
	return model.Rule{
		ID:        id,
		Enabled:   true,
		Predicate: func(e *model.Event) bool { return e.Type == model.EventRing },
		ActionTemplate: model.ActionTemplate{
			ConnectorID:  "chime-1",
			CapabilityID: "chime.play",
			Operation:    "play",
			ParamsFromEvent: map[string]string{
				"sound": "=doorbell",
			},
		},
	}
}

func TestEvaluate_MatchDispatchesAction(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	var mu sync.Mutex
	var dispatched []model.ActionInvocation
	e := New(fc, func(a model.ActionInvocation) {
		mu.Lock()
		defer mu.Unlock()
		dispatched = append(dispatched, a)
	})
	e.SetRule(ringRule("r1"))

	e.Evaluate(&model.Event{Type: model.EventRing, SourceConnectorID: "cam-1"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dispatched, 1)
	assert.Equal(t, "chime.play", dispatched[0].CapabilityID)
	assert.Equal(t, "doorbell", dispatched[0].Parameters["sound"])
}

func TestEvaluate_NonMatchIsSilent(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	var count int
	e := New(fc, func(model.ActionInvocation) { count++ })
	e.SetRule(ringRule("r1"))

	e.Evaluate(&model.Event{Type: model.EventMotion})

	assert.Equal(t, 0, count)
}

func TestEvaluate_ThrottleSuppressesWithinWindow(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	var count int
	e := New(fc, func(model.ActionInvocation) { count++ })

	r := ringRule("r1")
	r.Throttle = model.ThrottleSpec{
		KeyFn:  func(ev *model.Event) string { return ev.SourceConnectorID },
		Window: time.Minute,
	}
	e.SetRule(r)

	e.Evaluate(&model.Event{Type: model.EventRing, SourceConnectorID: "cam-1"})
	e.Evaluate(&model.Event{Type: model.EventRing, SourceConnectorID: "cam-1"})
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, e.SuppressedCount("r1"))

	fc.Advance(time.Minute + time.Second)
	// Release the first action's fingerprint, as the dispatcher does on
	// completion, so in-flight coalescing does not hide the new firing.
	e.Release(Fingerprint("chime-1", "chime.play", "play", map[string]any{"sound": "doorbell"}))
	e.Evaluate(&model.Event{Type: model.EventRing, SourceConnectorID: "cam-1"})
	assert.Equal(t, 2, count)
}

func TestEvaluate_FingerprintCoalescesConcurrentDuplicates(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	var count int
	e := New(fc, func(model.ActionInvocation) { count++ })
	e.SetRule(ringRule("r1"))

	e.Evaluate(&model.Event{Type: model.EventRing, SourceConnectorID: "cam-1"})
	// Same fingerprint, still in flight: coalesced, not re-dispatched.
	e.Evaluate(&model.Event{Type: model.EventRing, SourceConnectorID: "cam-1"})
	assert.Equal(t, 1, count)

	fp := Fingerprint("chime-1", "chime.play", "play", map[string]any{"sound": "doorbell"})
	e.Release(fp)

	e.Evaluate(&model.Event{Type: model.EventRing, SourceConnectorID: "cam-1"})
	assert.Equal(t, 2, count)
}

func TestPredicatePanic_TreatedAsNonMatch(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	var count int
	e := New(fc, func(model.ActionInvocation) { count++ })
	e.SetRule(model.Rule{
		ID:        "panicky",
		Enabled:   true,
		Predicate: func(*model.Event) bool { panic("boom") },
	})

	assert.NotPanics(t, func() {
		e.Evaluate(&model.Event{Type: model.EventMotion})
	})
	assert.Equal(t, 0, count)
}

func TestFingerprint_StableUnderParamOrder(t *testing.T) {
	a := map[string]any{"x": 1, "y": 2}
	b := map[string]any{"y": 2, "x": 1}
	assert.Equal(t, Fingerprint("c", "cap", "op", a), Fingerprint("c", "cap", "op", b))
}
