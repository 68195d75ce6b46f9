package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/connectorfabric/internal/capability"
	"github.com/ocx/connectorfabric/internal/clock"
	"github.com/ocx/connectorfabric/internal/model"
)

type fakeTransport struct {
	mu         sync.Mutex
	openErr    error
	frames     chan []byte
	executeFn  func(ctx context.Context, capabilityID, operation string, parameters map[string]any) (any, error)
	heartbeats int
	heartbeatErr error
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan []byte, 16)}
}

func (f *fakeTransport) Open(ctx context.Context) error { return f.openErr }
func (f *fakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakeTransport) Execute(ctx context.Context, capabilityID, operation string, parameters map[string]any) (any, error) {
	if f.executeFn != nil {
		return f.executeFn(ctx, capabilityID, operation, parameters)
	}
	return "ok", nil
}
func (f *fakeTransport) Heartbeat(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.heartbeatErr
}
func (f *fakeTransport) Frames(ctx context.Context) <-chan []byte { return f.frames }

func testRegistry() *capability.Registry {
	return capability.NewRegistry(capability.Descriptor{
		ID:   "camera.ptz",
		Name: "PTZ control",
		Operations: map[string]capability.Operation{
			"move": {Name: "move", Params: []capability.ParamSpec{
				{Name: "direction", Kind: capability.ParamString, Required: true},
			}},
		},
		RequiresConnection: true,
	})
}

func TestConnect_Success(t *testing.T) {
	transport := newFakeTransport()
	rt := New(model.ConnectorConfig{ID: "cam-1"}, transport, testRegistry(), clock.Real(), func(*model.Event) {}, DefaultCanonicalizationRules())

	require.NoError(t, rt.Connect(context.Background()))
	assert.Equal(t, model.StateConnected, rt.State())
}

func TestConnect_IdempotentFromIdleAndFailed(t *testing.T) {
	transport := newFakeTransport()
	rt := New(model.ConnectorConfig{ID: "cam-1"}, transport, testRegistry(), clock.Real(), func(*model.Event) {}, DefaultCanonicalizationRules())

	require.NoError(t, rt.Connect(context.Background()))
	// already connected/connecting: no error, no panic
	require.NoError(t, rt.Connect(context.Background()))

	// from failed: a later Connect opens the transport again
	failing := newFakeTransport()
	failing.openErr = errors.New("dial refused")
	rt2 := New(model.ConnectorConfig{ID: "cam-2"}, failing, testRegistry(), clock.Real(), func(*model.Event) {}, DefaultCanonicalizationRules())
	require.Error(t, rt2.Connect(context.Background()))
	assert.Equal(t, model.StateFailed, rt2.State())
	failing.openErr = nil
	require.NoError(t, rt2.Connect(context.Background()))
	assert.Equal(t, model.StateConnected, rt2.State())
}

func TestExecute_RequiresConnectedState(t *testing.T) {
	transport := newFakeTransport()
	rt := New(model.ConnectorConfig{ID: "cam-1"}, transport, testRegistry(), clock.Real(), func(*model.Event) {}, DefaultCanonicalizationRules())

	_, err := rt.Execute(context.Background(), "camera.ptz", "move", map[string]any{"direction": "left"})
	assert.Error(t, err)
}

func TestExecute_ValidatesAgainstRegistry(t *testing.T) {
	transport := newFakeTransport()
	rt := New(model.ConnectorConfig{ID: "cam-1"}, transport, testRegistry(), clock.Real(), func(*model.Event) {}, DefaultCanonicalizationRules())
	require.NoError(t, rt.Connect(context.Background()))

	_, err := rt.Execute(context.Background(), "camera.ptz", "move", map[string]any{})
	assert.Error(t, err)

	_, err = rt.Execute(context.Background(), "unknown.cap", "move", map[string]any{})
	assert.Error(t, err)
}

func TestDisconnect_IsIdempotentAndBounded(t *testing.T) {
	transport := newFakeTransport()
	rt := New(model.ConnectorConfig{ID: "cam-1"}, transport, testRegistry(), clock.Real(), func(*model.Event) {}, DefaultCanonicalizationRules())
	require.NoError(t, rt.Connect(context.Background()))

	require.NoError(t, rt.Disconnect(context.Background()))
	assert.Equal(t, model.StateIdle, rt.State())
	require.NoError(t, rt.Disconnect(context.Background()))
}

// TestDisconnect_NoEventsPublishedAfterReturn guards the testable property
// that after Disconnect returns, no new events from that connector are
// ever published, even when a frame is already buffered in the
// transport's channel at the moment Disconnect is called.
func TestDisconnect_NoEventsPublishedAfterReturn(t *testing.T) {
	transport := newFakeTransport()
	var mu sync.Mutex
	var count int
	rt := New(model.ConnectorConfig{ID: "cam-1"}, transport, testRegistry(), clock.Real(),
		func(*model.Event) {
			mu.Lock()
			count++
			mu.Unlock()
		}, DefaultCanonicalizationRules())
	require.NoError(t, rt.Connect(context.Background()))

	transport.frames <- []byte(`{"type":"ring","item":{"id":"cam-1","eventId":"evt-1"}}`)

	require.NoError(t, rt.Disconnect(context.Background()))

	mu.Lock()
	after := count
	mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, after, count, "no event may be published after Disconnect returns")
}

func TestInboundPipeline_PublishesNormalizedEvent(t *testing.T) {
	transport := newFakeTransport()
	var mu sync.Mutex
	var got []*model.Event
	rt := New(model.ConnectorConfig{ID: "cam-1"}, transport, testRegistry(), clock.Real(),
		func(e *model.Event) {
			// discovery meta-events precede the normalized event; keep only the latter
			if e.Type != model.EventMotion {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			got = append(got, e)
		}, DefaultCanonicalizationRules())

	require.NoError(t, rt.Connect(context.Background()))

	transport.frames <- []byte(`{"type":"motion","item":{"id":"cam-1","isMotionDetected":true,"smartDetectTypes":["person"]}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, model.EventMotion, got[0].Type)
	assert.True(t, got[0].HasCapability("motionDetection"))
	assert.True(t, got[0].HasCapability("smartDetect:person"))
}

func TestDedup_RejectsRepeatedEventID(t *testing.T) {
	transport := newFakeTransport()
	var mu sync.Mutex
	count := 0
	rt := New(model.ConnectorConfig{ID: "cam-1"}, transport, testRegistry(), clock.Real(),
		func(e *model.Event) {
			// count only ring events, not the discovery meta-events of the first frame
			if e.Type != model.EventRing {
				return
			}
			mu.Lock()
			count++
			mu.Unlock()
		}, DefaultCanonicalizationRules())
	require.NoError(t, rt.Connect(context.Background()))

	frame := []byte(`{"type":"ring","item":{"id":"cam-1","eventId":"evt-1"}}`)
	transport.frames <- frame
	transport.frames <- frame

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestBackoff_MonotonicUpToCap(t *testing.T) {
	base := time.Second
	cap := 30 * time.Second

	d0 := Backoff(0, base, cap, 1.0)
	d5 := Backoff(5, base, cap, 1.0)
	d20 := Backoff(20, base, cap, 1.0)

	assert.LessOrEqual(t, d0, base)
	assert.LessOrEqual(t, d5, cap)
	assert.Equal(t, cap, d20) // capped
	assert.LessOrEqual(t, d0, d5)
	assert.LessOrEqual(t, d5, d20)
}

func TestRateLimiter_BlocksUntilWindowRefill(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	limiter := newRateLimiter(time.Minute, 1, fc)

	require.True(t, limiter.tryTake())
	require.False(t, limiter.tryTake())

	fc.Advance(time.Minute)
	assert.True(t, limiter.tryTake())
}
