// Package clock provides the single timer/scheduler abstraction used by
// every backoff, heartbeat, and retention sweep in the fabric. Scattering
// raw time.Timer/time.Ticker calls across components makes reconnect and
// retention logic impossible to drive deterministically in tests; routing
// everything through Clock fixes that.
package clock

import (
	"sync"
	"time"
)

// Clock is the scheduling abstraction. A Real clock wraps the standard
// library; a Fake clock lets tests advance virtual time.
type Clock interface {
	Now() time.Time
	After(d time.Duration, task func()) Timer
	Every(d time.Duration, task func()) Timer
	Sleep(d time.Duration)
}

// Timer is a cancellable handle. Cancel is safe to call more than once and
// is observed before the timer's next firing — a cancelled timer never
// invokes its task again.
type Timer interface {
	Cancel()
}

// ============================================================================
// REAL CLOCK
// ============================================================================

type realClock struct{}

// Real is the production Clock, backed by time.Timer/time.Ticker.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

func (realClock) After(d time.Duration, task func()) Timer {
	t := time.AfterFunc(d, task)
	return &realTimer{t: t}
}

func (realClock) Every(d time.Duration, task func()) Timer {
	ticker := time.NewTicker(d)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				task()
			case <-stop:
				ticker.Stop()
				return
			}
		}
	}()
	return &realTicker{stop: stop}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) Cancel() { r.t.Stop() }

type realTicker struct {
	once sync.Once
	stop chan struct{}
}

func (r *realTicker) Cancel() {
	r.once.Do(func() { close(r.stop) })
}

// ============================================================================
// FAKE CLOCK (for tests)
// ============================================================================

// Fake is a virtual clock: time only advances when Advance is called, so
// backoff/retention-sweep tests run instantly and deterministically.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeTimer
}

// NewFake creates a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

type fakeTimer struct {
	fires    time.Time
	interval time.Duration // zero for one-shot After timers
	task     func()
	cancel   bool
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

func (f *Fake) After(d time.Duration, task func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{fires: f.now.Add(d), task: task}
	f.waiters = append(f.waiters, t)
	return &fakeTimerHandle{t: t}
}

func (f *Fake) Every(d time.Duration, task func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{fires: f.now.Add(d), interval: d, task: task}
	f.waiters = append(f.waiters, t)
	return &fakeTimerHandle{t: t}
}

// Advance moves virtual time forward by d, firing (and, for Every timers,
// re-arming) every timer whose deadline has passed, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		var next *fakeTimer
		for _, t := range f.waiters {
			if t.cancel {
				continue
			}
			if !t.fires.After(target) {
				if next == nil || t.fires.Before(next.fires) {
					next = t
				}
			}
		}
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = next.fires
		task := next.task
		if next.interval > 0 {
			next.fires = next.fires.Add(next.interval)
		} else {
			next.cancel = true
		}
		f.mu.Unlock()
		task()
	}
}

type fakeTimerHandle struct {
	t *fakeTimer
}

func (h *fakeTimerHandle) Cancel() { h.t.cancel = true }
