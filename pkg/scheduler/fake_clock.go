package scheduler

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock for tests. Time only moves when the
// test calls Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	wakeups []*wakeup
}

type wakeup struct {
	at time.Time
	ch chan time.Time

	// interval is non-zero for tickers; after firing, the wakeup is
	// rescheduled at at+interval.
	interval time.Duration
	stopped  bool
}

// NewFakeClock creates a FakeClock starting at a fixed instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	f.mu.Lock()
	w := &wakeup{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.wakeups = append(f.wakeups, w)
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ch:
		return nil
	}
}

func (f *FakeClock) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &wakeup{at: f.now.Add(d), ch: make(chan time.Time, 1), interval: d}
	f.wakeups = append(f.wakeups, w)
	return &fakeTicker{clock: f, w: w}
}

type fakeTicker struct {
	clock *FakeClock
	w     *wakeup
}

func (t *fakeTicker) C() <-chan time.Time { return t.w.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.w.stopped = true
}

// Advance moves time forward, firing every sleep and ticker that becomes
// due, in chronological order.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		var next *wakeup
		for _, w := range f.wakeups {
			if w.stopped || w.at.After(target) {
				continue
			}
			if next == nil || w.at.Before(next.at) {
				next = w
			}
		}
		if next == nil {
			break
		}

		f.now = next.at
		select {
		case next.ch <- next.at:
		default:
		}

		if next.interval > 0 {
			next.at = next.at.Add(next.interval)
		} else {
			next.stopped = true
		}

		// Yield so consumers drain their channel before the next firing;
		// ticker channels are buffered at depth one.
		f.mu.Unlock()
		time.Sleep(200 * time.Microsecond)
		f.mu.Lock()
	}

	f.now = target
	f.prune()
	f.mu.Unlock()
	// Give woken goroutines a chance to run before the test asserts.
	time.Sleep(time.Millisecond)
}

func (f *FakeClock) prune() {
	kept := f.wakeups[:0]
	for _, w := range f.wakeups {
		if !w.stopped {
			kept = append(kept, w)
		}
	}
	f.wakeups = kept
}
