package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/connectorfabric/internal/model"
)

func newTestRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func testEvent(source string, n int) *model.Event {
	return &model.Event{
		ID:                source + "-" + string(rune('a'+n)),
		SourceConnectorID: source,
		Type:              model.EventMotion,
		OccurredAt:        time.Unix(int64(n), 0),
	}
}

func TestPublishSubscribe_Basic(t *testing.T) {
	b := New(DefaultConfig(), nil)
	var mu sync.Mutex
	var received []*model.Event

	sub := b.Subscribe(nil, func(e *model.Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e)
	}, DropOldest)
	defer sub.Unsubscribe()

	b.Publish(testEvent("cam-1", 0))
	b.Publish(testEvent("cam-1", 1))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "cam-1-a", received[0].ID)
	assert.Equal(t, "cam-1-b", received[1].ID)
}

func TestOrdering_PerSourcePreserved(t *testing.T) {
	b := New(DefaultConfig(), nil)
	var mu sync.Mutex
	var order []string

	sub := b.Subscribe(BySource("cam-1"), func(e *model.Event) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, e.ID)
	}, DropOldest)
	defer sub.Unsubscribe()

	for i := 0; i < 50; i++ {
		b.Publish(testEvent("cam-1", i%26))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 50
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, id := range order {
		assert.Equal(t, testEvent("cam-1", i%26).ID, id)
	}
}

func TestFilter_UnmatchedSourceNeverDelivered(t *testing.T) {
	b := New(DefaultConfig(), nil)
	delivered := make(chan *model.Event, 10)

	sub := b.Subscribe(BySource("cam-2"), func(e *model.Event) { delivered <- e }, DropOldest)
	defer sub.Unsubscribe()

	b.Publish(testEvent("cam-1", 0))

	select {
	case <-delivered:
		t.Fatal("event from non-matching source was delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSourceRingOverflow_DropsOldest(t *testing.T) {
	cfg := Config{SourceQueueSize: 2, SubscriberQueueSize: 256, BackpressureWait: 10 * time.Millisecond}
	b := New(cfg, nil)
	for i := 0; i < 5; i++ {
		b.Publish(testEvent("cam-1", i))
	}
	ring := b.ringFor("cam-1")
	ring.mu.Lock()
	defer ring.mu.Unlock()
	assert.LessOrEqual(t, len(ring.buf), 2)
}

func TestSubscriberQueueOverflow_DropOldestPolicy(t *testing.T) {
	cfg := Config{SourceQueueSize: 1024, SubscriberQueueSize: 1, BackpressureWait: 10 * time.Millisecond}
	metrics := NewMetrics(newTestRegistry())
	b := New(cfg, metrics)

	release := make(chan struct{})
	started := make(chan struct{})
	sub := b.Subscribe(nil, func(e *model.Event) {
		close(started)
		<-release
	}, DropOldest)
	defer sub.Unsubscribe()

	b.Publish(testEvent("cam-1", 0))
	<-started // first event now being processed, queue is empty and free

	for i := 1; i <= 5; i++ {
		b.Publish(testEvent("cam-1", i))
	}
	close(release)
}

func TestUnsubscribe_StopsNewDeliveries(t *testing.T) {
	b := New(DefaultConfig(), nil)
	count := 0
	var mu sync.Mutex

	sub := b.Subscribe(nil, func(e *model.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, DropOldest)

	b.Publish(testEvent("cam-1", 0))
	time.Sleep(20 * time.Millisecond)
	sub.Unsubscribe()
	time.Sleep(20 * time.Millisecond)

	b.Publish(testEvent("cam-1", 1))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}
