package connector

import (
	"context"
	"time"
)

// redisClient is the subset of internal/infra's GoRedisAdapter this package
// depends on, kept narrow so connector never imports infra directly.
type redisClient interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// redisDeduper is a Deduper backed by a shared Redis instance, for
// composition roots running several fabric processes against the same
// vendor fleet where a duplicate delivered to two processes must still be
// caught. Keys expire on their own, so no bounded eviction bookkeeping is
// needed the way dedupWindow needs one LRU per device.
type redisDeduper struct {
	client redisClient
	ttl    time.Duration
}

// NewRedisDeduper wraps an already-connected Redis client as a Deduper. ttl
// bounds how long a (device, event) pair is remembered; it should exceed
// the longest plausible delivery delay between duplicate copies of the
// same frame.
func NewRedisDeduper(client redisClient, ttl time.Duration) Deduper {
	if ttl <= 0 {
		ttl = DefaultRedisDedupTTL
	}
	return &redisDeduper{client: client, ttl: ttl}
}

func (d *redisDeduper) SeenBefore(deviceID, eventID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := "fabric:dedup:" + deviceID + ":" + eventID
	if _, err := d.client.Get(ctx, key); err == nil {
		return true
	}
	_ = d.client.Set(ctx, key, []byte{1}, d.ttl)
	return false
}
