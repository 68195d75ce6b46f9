// Package bus implements the Event Bus (C5): a bounded, multi-subscriber
// publish/subscribe fabric that decouples connectors from rule engine,
// correlation core, and external sinks. It generalizes the teacher's
// channel-based EventBus (internal/events/bus.go) from a single unbounded
// best-effort fanout into per-source ring buffers, per-subscriber bounded
// queues, and configurable drop policies.
package bus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocx/connectorfabric/internal/model"
)

// DropPolicy is the closed set of behaviors applied when a subscriber's
// delivery queue is full.
type DropPolicy string

const (
	DropOldest    DropPolicy = "drop_oldest"
	DropNewest    DropPolicy = "drop_newest"
	SlowDownSource DropPolicy = "slow_down_source"
)

// Filter is a pure predicate over an event's indexable fields. Unknown
// fields referenced by a filter simply never match; they are not faults.
type Filter func(e *model.Event) bool

// Metrics is the subset of Prometheus collectors the bus increments.
// Callers construct and register these once at the composition root.
type Metrics struct {
	SourceOverflow     *prometheus.CounterVec // labels: source_connector_id
	SubscriberOverflow *prometheus.CounterVec // labels: subscriber_id
	SubscriberDrops    *prometheus.CounterVec // labels: subscriber_id, policy
}

// NewMetrics builds and registers the bus's counters against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SourceOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_bus_source_overflow_total",
			Help: "Events dropped because a per-source ring buffer was full.",
		}, []string{"source_connector_id"}),
		SubscriberOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_bus_subscriber_overflow_total",
			Help: "Events dropped because a subscriber's delivery queue was full.",
		}, []string{"subscriber_id"}),
		SubscriberDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_bus_subscriber_drops_total",
			Help: "Events dropped by subscriber drop policy, labeled by policy applied.",
		}, []string{"subscriber_id", "policy"}),
	}
	reg.MustRegister(m.SourceOverflow, m.SubscriberOverflow, m.SubscriberDrops)
	return m
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id  string
	bus *Bus
}

// Unsubscribe is idempotent; in-flight deliveries may still complete but no
// new ones are scheduled after it returns.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

type subscriber struct {
	id     string
	filter Filter
	sink   func(*model.Event)
	policy DropPolicy
	queue  chan *model.Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// sourceRing is a bounded buffer of the most recent events from one
// connector. Publish appends to it and then delivers the event to every
// matching subscriber itself; nothing reads events back out of the ring.
type sourceRing struct {
	mu  sync.Mutex
	buf []*model.Event
	cap int
}

// Config holds the bus's tunable defaults.
type Config struct {
	SourceQueueSize     int           // Q_src, default 1024
	SubscriberQueueSize int           // Q_sub, default 256
	BackpressureWait    time.Duration // T_bp, default 100ms
}

func DefaultConfig() Config {
	return Config{SourceQueueSize: 1024, SubscriberQueueSize: 256, BackpressureWait: 100 * time.Millisecond}
}

// Bus is the C5 Event Bus.
type Bus struct {
	cfg     Config
	metrics *Metrics

	mu          sync.RWMutex
	rings       map[string]*sourceRing // source_connector_id -> ring
	subscribers map[string]*subscriber
	nextSubID   int
}

// New constructs a Bus. metrics may be nil in tests; a nil metrics means
// overflow counters are simply not recorded.
func New(cfg Config, metrics *Metrics) *Bus {
	return &Bus{
		cfg:         cfg,
		metrics:     metrics,
		rings:       make(map[string]*sourceRing),
		subscribers: make(map[string]*subscriber),
	}
}

// Publish is non-blocking (except under slow_down_source backpressure) and
// never returns an acknowledgement. It enqueues onto the named source's
// ring buffer, dropping the oldest entry on overflow, then fans out
// synchronously to every matching subscriber's queue.
func (b *Bus) Publish(e *model.Event) {
	ring := b.ringFor(e.SourceConnectorID)

	ring.mu.Lock()
	if len(ring.buf) >= ring.cap {
		ring.buf = ring.buf[1:]
		if b.metrics != nil {
			b.metrics.SourceOverflow.WithLabelValues(e.SourceConnectorID).Inc()
		}
	}
	ring.buf = append(ring.buf, e)
	ring.mu.Unlock()

	b.deliver(e)
}

func (b *Bus) ringFor(sourceID string) *sourceRing {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rings[sourceID]
	if !ok {
		r = &sourceRing{cap: b.cfg.SourceQueueSize}
		b.rings[sourceID] = r
	}
	return r
}

func (b *Bus) deliver(e *model.Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.filter(e) {
			continue
		}
		b.enqueueToSubscriber(s, e)
	}
}

func (b *Bus) enqueueToSubscriber(s *subscriber, e *model.Event) {
	select {
	case s.queue <- e:
		return
	default:
	}

	switch s.policy {
	case DropNewest:
		b.recordDrop(s, DropNewest)
		return
	case SlowDownSource:
		select {
		case s.queue <- e:
			return
		case <-time.After(b.cfg.BackpressureWait):
		case <-s.done:
			return
		}
		fallthrough
	case DropOldest:
		fallthrough
	default:
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- e:
		default:
		}
		b.recordDrop(s, DropOldest)
	}
}

func (b *Bus) recordDrop(s *subscriber, applied DropPolicy) {
	if b.metrics == nil {
		return
	}
	b.metrics.SubscriberOverflow.WithLabelValues(s.id).Inc()
	b.metrics.SubscriberDrops.WithLabelValues(s.id, string(applied)).Inc()
}

// Subscribe registers sink to receive events matching filter. sink is
// invoked from a dedicated per-subscriber goroutine; it must not block
// indefinitely or it will stall only its own queue, never the bus.
func (b *Bus) Subscribe(filter Filter, sink func(*model.Event), policy DropPolicy) *Subscription {
	if filter == nil {
		filter = func(*model.Event) bool { return true }
	}
	qsize := b.cfg.SubscriberQueueSize
	if qsize <= 0 {
		qsize = 256
	}

	b.mu.Lock()
	b.nextSubID++
	id := subscriberID(b.nextSubID)
	s := &subscriber{
		id:     id,
		filter: filter,
		sink:   sink,
		policy: policy,
		queue:  make(chan *model.Event, qsize),
		done:   make(chan struct{}),
	}
	b.subscribers[id] = s
	b.mu.Unlock()

	go s.run()

	return &Subscription{id: id, bus: b}
}

func (s *subscriber) run() {
	for {
		select {
		case e := <-s.queue:
			s.sink(e)
		case <-s.done:
			return
		}
	}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		s.close()
	}
}

func subscriberID(n int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "sub-0"
	}
	digits := make([]byte, 0, 8)
	for n > 0 {
		digits = append([]byte{alphabet[n%len(alphabet)]}, digits...)
		n /= len(alphabet)
	}
	return "sub-" + string(digits)
}
