// Package connector implements the Connector Runtime (C3): a uniform
// lifecycle state machine over heterogeneous external transports
// (internal/connector/camera, .../position, .../bridge), a capability
// dispatch surface, and the inbound normalization pipeline that turns raw
// frames into model.Event values published onto the Event Bus.
//
// The state machine and reconnection policy are grounded on the teacher's
// internal/circuitbreaker/breaker.go (generation-counted state transitions,
// mutex-guarded, timer-driven) and internal/websocket/dag_streamer.go
// (duplex session lifecycle over a transport).
package connector

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ocx/connectorfabric/internal/capability"
	"github.com/ocx/connectorfabric/internal/clock"
	"github.com/ocx/connectorfabric/internal/fabricerr"
	"github.com/ocx/connectorfabric/internal/model"
)

// Transport is implemented by each connector variant (camera, position,
// bridge). The Runtime owns lifecycle, retry, and rate limiting; Transport
// owns the concrete wire protocol.
type Transport interface {
	// Open performs authentication, discovery, and subscription setup. It
	// must respect ctx's deadline (T_connect).
	Open(ctx context.Context) error
	// Close tears down the transport. Disconnect calls it from every state
	// but idle, so also after a failed Open (Connect itself does not call
	// it). It must return within a bounded time.
	Close(ctx context.Context) error
	// Execute dispatches one capability operation over an established
	// transport. Called only while the runtime believes it is connected.
	Execute(ctx context.Context, capabilityID, operation string, parameters map[string]any) (any, error)
	// Heartbeat sends one liveness probe; an error counts as an
	// unacknowledged probe.
	Heartbeat(ctx context.Context) error
	// Frames is read by the runtime's pump goroutine until the channel is
	// closed (treated as a transport drop) or ctx is done. A transport with
	// no push channel (poll-only) may return a channel that never sends.
	Frames(ctx context.Context) <-chan []byte
}

// Reconnect policy defaults (§4.3).
const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultBackoffBase       = 1 * time.Second
	DefaultBackoffCap        = 30 * time.Second
	DefaultMaxBackoffAttempts = 10
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultRateWindow        = 60 * time.Second
	DefaultRateBudget        = 100
	DefaultQueueSize         = 1024
	DefaultDedupWindow       = 1024
	DefaultDeviceCacheTTL    = 5 * time.Minute
	DefaultRedisDedupTTL     = 5 * time.Minute
)

// Sink is how the runtime publishes normalized events; it is the Event
// Bus's Publish method, injected so this package has no bus dependency.
type Sink func(*model.Event)

// Runtime is one connector instance.
type Runtime struct {
	cfg       model.ConnectorConfig
	transport Transport
	registry  *capability.Registry
	clk       clock.Clock
	sink      Sink
	rules     CanonicalizationRules

	mu               sync.Mutex
	state            model.ConnectorState
	failureKind      model.FailureKind
	reconnectAttempt int
	backoffTimer     clock.Timer
	heartbeatTimer   clock.Timer
	missedHeartbeats int
	cancelSession    context.CancelFunc
	pumpDone         chan struct{} // closed when the current session's pump goroutine exits

	limiter *rateLimiter
	dedup   Deduper
	cache   *deviceCache
	disc    *discoveryTracker

	onEvent   func(*model.Event) // test hook, defaults to sink
}

// Option customizes a Runtime beyond New's defaults.
type Option func(*Runtime)

// WithDeduper overrides the default per-process in-memory dedup window
// with a shared store (e.g. one backed by Redis), so duplicate vendor
// deliveries are still caught across a fleet of fabric processes.
func WithDeduper(d Deduper) Option {
	return func(r *Runtime) { r.dedup = d }
}

// New constructs a Runtime in state idle.
func New(cfg model.ConnectorConfig, transport Transport, registry *capability.Registry, clk clock.Clock, sink Sink, rules CanonicalizationRules, opts ...Option) *Runtime {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultRateWindow
	}
	if cfg.RateBudget <= 0 {
		cfg.RateBudget = DefaultRateBudget
	}
	r := &Runtime{
		cfg:       cfg,
		transport: transport,
		registry:  registry,
		clk:       clk,
		sink:      sink,
		rules:     rules,
		state:     model.StateIdle,
		limiter:   newRateLimiter(cfg.RateWindow, cfg.RateBudget, clk),
		dedup:     newDedupWindow(DefaultDedupWindow),
		cache:     newDeviceCache(DefaultDeviceCacheTTL, clk),
		disc:      newDiscoveryTracker(),
	}
	r.onEvent = r.publish
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current lifecycle state.
func (r *Runtime) State() model.ConnectorState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connect is idempotent from {idle, failed}.
func (r *Runtime) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.state != model.StateIdle && r.state != model.StateFailed {
		cur := r.state
		r.mu.Unlock()
		if cur == model.StateConnecting || cur == model.StateConnected {
			return nil // idempotent: already on the way
		}
		return fabricerr.New(fabricerr.KindConfigError, "connector.Connect",
			"connect precondition violated: state must be idle or failed")
	}
	r.state = model.StateConnecting
	r.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	err := r.transport.Open(connectCtx)
	if err != nil {
		kind := classifyOpenError(connectCtx, err)
		r.mu.Lock()
		r.state = model.StateFailed
		r.failureKind = kind
		r.mu.Unlock()
		return fabricerr.Wrap(openErrorToFabricKind(kind), "connector.Connect", "transport open failed", err)
	}

	sessionCtx, sessionCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.mu.Lock()
	r.state = model.StateConnected
	r.reconnectAttempt = 0
	r.missedHeartbeats = 0
	r.cancelSession = sessionCancel
	r.pumpDone = done
	r.mu.Unlock()

	go r.pump(sessionCtx, done)
	r.scheduleHeartbeat()

	return nil
}

// Disconnect is idempotent and always terminal within a bounded time.
func (r *Runtime) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	if r.state == model.StateIdle {
		r.mu.Unlock()
		return nil
	}
	r.state = model.StateDisconnecting
	cancel := r.cancelSession
	done := r.pumpDone
	bt := r.backoffTimer
	ht := r.heartbeatTimer
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if bt != nil {
		bt.Cancel()
	}
	if ht != nil {
		ht.Cancel()
	}

	closeCtx, closeCancel := context.WithTimeout(ctx, 10*time.Second)
	defer closeCancel()
	_ = r.transport.Close(closeCtx)

	// Wait for pump to actually exit before returning, so the testable
	// property "after disconnect() returns, no new events from that
	// connector are ever published" holds even when a frame was already
	// buffered in the transport's channel at the moment Close tore the
	// socket down.
	if done != nil {
		<-done
	}

	r.mu.Lock()
	r.state = model.StateIdle
	r.mu.Unlock()
	return nil
}

// Execute dispatches one capability call. Precondition: state == connected.
// It never retries; retry policy belongs to the dispatcher (C7).
func (r *Runtime) Execute(ctx context.Context, capabilityID, operation string, parameters map[string]any) (any, error) {
	r.mu.Lock()
	if r.state != model.StateConnected {
		r.mu.Unlock()
		return nil, fabricerr.New(fabricerr.KindNotConnected, "connector.Execute", "connector is not connected")
	}
	r.mu.Unlock()

	if err := r.registry.Validate(capabilityID, operation, parameters); err != nil {
		return nil, err
	}

	if !r.limiter.Allow(ctx) {
		return nil, fabricerr.New(fabricerr.KindTimeout, "connector.Execute", "rate limit token not available before deadline")
	}

	result, err := r.transport.Execute(ctx, capabilityID, operation, parameters)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindUpstreamError, "connector.Execute", "transport execute failed", err)
	}
	return result, nil
}

// pump reads raw frames from the transport and runs them through the
// inbound pipeline until the session context is cancelled or the
// transport's frame channel closes (treated as a transport drop).
func (r *Runtime) pump(ctx context.Context, done chan struct{}) {
	defer close(done)
	frames := r.transport.Frames(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-frames:
			if !ok {
				r.onTransportDrop()
				return
			}
			r.handleInbound(raw)
		}
	}
}

// onTransportDrop implements the connected -> degraded transition and
// kicks off the reconnection schedule.
func (r *Runtime) onTransportDrop() {
	r.mu.Lock()
	if r.state != model.StateConnected && r.state != model.StateDegraded {
		r.mu.Unlock()
		return
	}
	r.state = model.StateDegraded
	r.mu.Unlock()

	r.scheduleReconnect()
}

func (r *Runtime) scheduleReconnect() {
	r.mu.Lock()
	n := r.reconnectAttempt
	r.mu.Unlock()

	if n >= DefaultMaxBackoffAttempts {
		r.mu.Lock()
		r.state = model.StateFailed
		r.failureKind = model.FailureExhausted
		r.mu.Unlock()
		return
	}

	delay := Backoff(n, DefaultBackoffBase, DefaultBackoffCap, rand.Float64())

	timer := r.clk.After(delay, func() {
		r.mu.Lock()
		r.reconnectAttempt++
		r.state = model.StateIdle
		r.mu.Unlock()
		_ = r.Connect(context.Background())
	})

	r.mu.Lock()
	r.backoffTimer = timer
	r.mu.Unlock()
}

// Backoff computes delay_n = min(cap, base*2^n) * (0.5 + jitter*0.5).
func Backoff(n int, base, cap time.Duration, jitter float64) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d > cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	factor := 0.5 + jitter*0.5
	return time.Duration(float64(d) * factor)
}

func (r *Runtime) scheduleHeartbeat() {
	timer := r.clk.Every(r.cfg.HeartbeatInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HeartbeatInterval)
		err := r.transport.Heartbeat(ctx)
		cancel()

		r.mu.Lock()
		if err != nil {
			r.missedHeartbeats++
		} else {
			r.missedHeartbeats = 0
		}
		exceeded := r.missedHeartbeats >= 2
		r.mu.Unlock()

		if exceeded {
			r.onTransportDrop()
		}
	})
	r.mu.Lock()
	r.heartbeatTimer = timer
	r.mu.Unlock()
}

func (r *Runtime) publish(e *model.Event) {
	if r.sink != nil {
		r.sink(e)
	}
}

func classifyOpenError(ctx context.Context, err error) model.FailureKind {
	if ctx.Err() == context.DeadlineExceeded {
		return model.FailureTimeout
	}
	if kind, ok := fabricerr.KindOf(err); ok && kind == fabricerr.KindAuthError {
		return model.FailureAuth
	}
	return model.FailureNet
}

func openErrorToFabricKind(k model.FailureKind) fabricerr.Kind {
	switch k {
	case model.FailureAuth:
		return fabricerr.KindAuthError
	case model.FailureTimeout:
		return fabricerr.KindTimeout
	default:
		return fabricerr.KindUnreachableError
	}
}
