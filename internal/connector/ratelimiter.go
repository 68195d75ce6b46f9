package connector

import (
	"context"
	"sync"
	"time"

	"github.com/ocx/connectorfabric/internal/clock"
)

// rateLimiter is a token bucket with window W and budget B: up to B
// executions are allowed per window W, refilled wholesale at the
// start of each window (simple fixed-window bucket, matching the spec's
// "window W, budget B" wording rather than a continuous leaky bucket).
type rateLimiter struct {
	window time.Duration
	budget int
	clk    clock.Clock

	mu          sync.Mutex
	windowStart time.Time
	remaining   int
	waiters     chan struct{}
}

func newRateLimiter(window time.Duration, budget int, clk clock.Clock) *rateLimiter {
	return &rateLimiter{
		window:      window,
		budget:      budget,
		clk:         clk,
		windowStart: clk.Now(),
		remaining:   budget,
	}
}

// Allow blocks cooperatively until a token is available or ctx is done,
// returning false in the latter case.
func (l *rateLimiter) Allow(ctx context.Context) bool {
	for {
		if l.tryTake() {
			return true
		}
		wait := l.timeToNextWindow()
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

func (l *rateLimiter) tryTake() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.remaining = l.budget
	}
	if l.remaining <= 0 {
		return false
	}
	l.remaining--
	return true
}

func (l *rateLimiter) timeToNextWindow() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	elapsed := l.clk.Now().Sub(l.windowStart)
	remain := l.window - elapsed
	if remain <= 0 {
		return time.Millisecond
	}
	return remain
}

// Cooldown blocks for d, honoring ctx cancellation, for the "remote 429"
// advertised-cooldown-then-retry-once case (§4.3).
func Cooldown(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
