// Package scheduler centralizes time for the gateway: a monotonic Clock
// interface, cancellable sleeps, and interval tasks.
//
// Every periodic activity (heartbeats, batch flushes, lifecycle sweeps,
// pattern ticks, retention) runs through a Scheduler so that cancellation
// is cheap and tests can drive time with a fake clock.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep blocks for d or until ctx is cancelled, whichever is first.
	// Returns ctx.Err() when cancelled.
	Sleep(ctx context.Context, d time.Duration) error

	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker is the minimal ticker surface used by interval tasks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the production Clock backed by package time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Task is a handle to a scheduled interval task.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the task and waits for its goroutine to exit.
func (t *Task) Stop() {
	t.cancel()
	<-t.done
}

// Scheduler dispatches interval tasks off a single Clock.
type Scheduler struct {
	clock Clock

	mu    sync.Mutex
	tasks map[*Task]struct{}
}

// New creates a Scheduler. A nil clock defaults to RealClock.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{
		clock: clock,
		tasks: make(map[*Task]struct{}),
	}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() Clock { return s.clock }

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Sleep blocks for d or until ctx cancels.
func (s *Scheduler) Sleep(ctx context.Context, d time.Duration) error {
	return s.clock.Sleep(ctx, d)
}

// Every runs fn every interval until the task is stopped or ctx cancels.
// The first invocation happens one interval after scheduling.
func (s *Scheduler) Every(ctx context.Context, interval time.Duration, fn func(now time.Time)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	task := &Task{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[task] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(task.done)
		defer func() {
			s.mu.Lock()
			delete(s.tasks, task)
			s.mu.Unlock()
		}()

		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C():
				fn(now)
			}
		}
	}()
	return task
}

// After runs fn once after delay unless ctx cancels first.
func (s *Scheduler) After(ctx context.Context, delay time.Duration, fn func()) *Task {
	ctx, cancel := context.WithCancel(ctx)
	task := &Task{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[task] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(task.done)
		defer func() {
			s.mu.Lock()
			delete(s.tasks, task)
			s.mu.Unlock()
		}()

		if err := s.clock.Sleep(ctx, delay); err != nil {
			return
		}
		fn()
	}()
	return task
}

// StopAll cancels every outstanding task and waits for them to exit.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
}
