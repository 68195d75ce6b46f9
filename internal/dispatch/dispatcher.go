// Package dispatch implements the Action Dispatcher (C7): a bounded pool
// of workers that execute ActionInvocation values produced by the rule
// engine, with per-invocation deadlines, a fixed retry policy, and
// cancellation by fingerprint.
//
// The worker pool shape (bounded channel of available capacity, Submit
// rejects when full) is grounded on the teacher's
// internal/ghostpool/pool_manager.go Get/Put pattern, generalized from a
// pool of recyclable containers to a pool of goroutine workers pulling
// invocations off a bounded queue — there is no container to acquire
// here, only a capability call to make.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ocx/connectorfabric/internal/clock"
	"github.com/ocx/connectorfabric/internal/connector"
	"github.com/ocx/connectorfabric/internal/fabricerr"
	"github.com/ocx/connectorfabric/internal/model"
)

// Connector is the subset of connector.Runtime the dispatcher depends on.
// Declared as an interface here so this package does not need a concrete
// registry of runtimes, only a lookup.
type Connector interface {
	State() model.ConnectorState
	Execute(ctx context.Context, capabilityID, operation string, parameters map[string]any) (any, error)
}

// Lookup resolves a connector id to its runtime.
type Lookup func(connectorID string) (Connector, bool)

// Sink publishes action.completed / action.failed meta-events.
type Sink func(*model.Event)

// Retry policy defaults (§4.7).
const (
	DefaultWorkers          = 16
	DefaultQueueSize        = 256
	DefaultMaxAttempts      = 3
	DefaultRetryBase        = 500 * time.Millisecond
	DefaultRetryCap         = 5 * time.Second
	DefaultInvocationDeadline = 10 * time.Second
)

// Config holds the dispatcher's tunables.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:     DefaultWorkers,
		QueueSize:   DefaultQueueSize,
		MaxAttempts: DefaultMaxAttempts,
		RetryBase:   DefaultRetryBase,
		RetryCap:    DefaultRetryCap,
	}
}

// Dispatcher is the C7 Action Dispatcher.
type Dispatcher struct {
	cfg    Config
	lookup Lookup
	sink   Sink
	clk    clock.Clock
	// release is called once an invocation reaches a terminal outcome so
	// the rule engine can accept a fresh action for the same fingerprint.
	release func(fingerprint string)

	queue chan model.ActionInvocation

	mu         sync.Mutex
	cancelers  map[string]context.CancelFunc // fingerprint -> cancel of in-flight attempt
	rejected   int

	wg      sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Dispatcher and starts its worker pool.
func New(cfg Config, lookup Lookup, sink Sink, clk clock.Clock, release func(string)) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultRetryCap
	}

	d := &Dispatcher{
		cfg:       cfg,
		lookup:    lookup,
		sink:      sink,
		clk:       clk,
		release:   release,
		queue:     make(chan model.ActionInvocation, cfg.QueueSize),
		cancelers: make(map[string]context.CancelFunc),
		stopCh:    make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Submit enqueues an invocation. Overflow policy: reject newest, recorded
// by a counter; the action is lost and it is the rule engine's
// responsibility to deduplicate sensibly via fingerprinting.
func (d *Dispatcher) Submit(inv model.ActionInvocation) bool {
	select {
	case d.queue <- inv:
		return true
	default:
		d.mu.Lock()
		d.rejected++
		d.mu.Unlock()
		slog.Warn("dispatch: queue full, rejecting newest invocation", "fingerprint", inv.Fingerprint)
		return false
	}
}

// Rejected returns the count of invocations dropped due to queue overflow.
func (d *Dispatcher) Rejected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rejected
}

// Cancel aborts the executing attempt of an invocation by fingerprint at
// the earliest suspension point. An invocation still waiting in the queue,
// or waiting out a retry delay, is not affected.
func (d *Dispatcher) Cancel(fingerprint string) {
	d.mu.Lock()
	cancel, ok := d.cancelers[fingerprint]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop signals workers to finish their current invocation and exit; it
// does not drain the queue.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case inv := <-d.queue:
			d.process(inv)
		}
	}
}

func (d *Dispatcher) process(inv model.ActionInvocation) {
	defer d.release(inv.Fingerprint)

	for attempt := inv.Attempt; attempt <= d.cfg.MaxAttempts; attempt++ {
		conn, ok := d.lookup(inv.ConnectorID)
		if !ok || conn.State() != model.StateConnected {
			d.emitFailed(inv, fabricerr.KindNotConnected)
			return
		}

		deadline := inv.Deadline
		maxDeadline := d.clk.Now().Add(DefaultInvocationDeadline)
		if deadline.IsZero() || deadline.After(maxDeadline) {
			deadline = maxDeadline
		}

		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		d.mu.Lock()
		d.cancelers[inv.Fingerprint] = cancel
		d.mu.Unlock()

		_, err := conn.Execute(ctx, inv.CapabilityID, inv.Operation, inv.Parameters)

		d.mu.Lock()
		delete(d.cancelers, inv.Fingerprint)
		d.mu.Unlock()
		cancel()

		if err == nil {
			d.emitCompleted(inv)
			return
		}

		kind, _ := fabricerr.KindOf(err)
		if !retryable(kind) || attempt == d.cfg.MaxAttempts {
			d.emitFailed(inv, kind)
			return
		}

		delay := connector.Backoff(attempt-1, d.cfg.RetryBase, d.cfg.RetryCap, rand.Float64())
		select {
		case <-d.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

func retryable(kind fabricerr.Kind) bool {
	return kind == fabricerr.KindUpstreamError || kind == fabricerr.KindTimeout
}

func (d *Dispatcher) emitCompleted(inv model.ActionInvocation) {
	d.sink(&model.Event{
		ID:                fingerprintEventID(inv.Fingerprint, "completed"),
		SourceConnectorID: inv.ConnectorID,
		Type:              model.EventActionCompleted,
		OccurredAt:        d.clk.Now(),
		ReceivedAt:        d.clk.Now(),
		Payload: map[string]any{
			"action_id":     inv.ID,
			"capability_id": inv.CapabilityID,
			"operation":     inv.Operation,
			"fingerprint":   inv.Fingerprint,
		},
	})
}

func (d *Dispatcher) emitFailed(inv model.ActionInvocation, kind fabricerr.Kind) {
	d.sink(&model.Event{
		ID:                fingerprintEventID(inv.Fingerprint, "failed"),
		SourceConnectorID: inv.ConnectorID,
		Type:              model.EventActionFailed,
		OccurredAt:        d.clk.Now(),
		ReceivedAt:        d.clk.Now(),
		Payload: map[string]any{
			"action_id":     inv.ID,
			"capability_id": inv.CapabilityID,
			"operation":     inv.Operation,
			"fingerprint":   inv.Fingerprint,
			"error_kind":    string(kind),
		},
	})
}

func fingerprintEventID(fingerprint, suffix string) string {
	return fingerprint + "-" + suffix
}
