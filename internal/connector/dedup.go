package connector

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ocx/connectorfabric/internal/clock"
)

// Deduper is the injectable dedup store a Runtime consults before
// normalizing an inbound frame. The default, constructed internally by
// New, is an in-memory bounded LRU per device; a composition root running
// several fabric processes against the same vendor fleet can instead
// inject a shared store (see WithDeduper) so a duplicate delivered to two
// processes is still caught.
type Deduper interface {
	SeenBefore(deviceID, eventID string) bool
}

// dedupWindow rejects (device_id, event_id) pairs already seen in the last
// N entries for that device. Bounded per-device LRUs resolve the dedup
// Open Question: vendor event ids are not guaranteed monotonic across
// every connector type, so a bounded recency window is used instead of an
// unbounded set or a sequence/watermark scheme.
type dedupWindow struct {
	size int

	mu      sync.Mutex
	perDevice map[string]*lru.Cache[string, struct{}]
}

func newDedupWindow(size int) *dedupWindow {
	return &dedupWindow{size: size, perDevice: make(map[string]*lru.Cache[string, struct{}])}
}

// SeenBefore reports whether eventID was already observed for deviceID
// within the window, and records it if not.
func (d *dedupWindow) SeenBefore(deviceID, eventID string) bool {
	d.mu.Lock()
	c, ok := d.perDevice[deviceID]
	if !ok {
		c, _ = lru.New[string, struct{}](d.size)
		d.perDevice[deviceID] = c
	}
	d.mu.Unlock()

	if _, ok := c.Get(eventID); ok {
		return true
	}
	c.Add(eventID, struct{}{})
	return false
}

// deviceCache is a TTL-bounded view of one device as last observed by its
// owning connector.
type deviceCache struct {
	ttl time.Duration
	clk clock.Clock

	mu   sync.Mutex
	data map[string]cachedSnapshot
}

type cachedSnapshot struct {
	payload    map[string]any
	observedAt time.Time
}

func newDeviceCache(ttl time.Duration, clk clock.Clock) *deviceCache {
	return &deviceCache{ttl: ttl, clk: clk, data: make(map[string]cachedSnapshot)}
}

func (c *deviceCache) Put(deviceID string, payload map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[deviceID] = cachedSnapshot{payload: payload, observedAt: c.clk.Now()}
}

func (c *deviceCache) Get(deviceID string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.data[deviceID]
	if !ok {
		return nil, false
	}
	if c.clk.Now().Sub(snap.observedAt) > c.ttl {
		delete(c.data, deviceID)
		return nil, false
	}
	return snap.payload, true
}
