// Package command defines the command envelope and the per-device command
// processor: priority queues, batching, rate-limited dispatch, and retry.
package command

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrWaitTimeout is returned by Wait when the caller's timeout elapses
// before the command resolves.
var ErrWaitTimeout = errors.New("timed out waiting for command result")

// Kind enumerates the command verbs a device can receive.
type Kind string

const (
	KindVibrate      Kind = "vibrate"
	KindRotate       Kind = "rotate"
	KindPosition     Kind = "position"
	KindStop         Kind = "stop"
	KindPatternStart Kind = "pattern_start"
	KindPatternStop  Kind = "pattern_stop"
)

// Priority orders commands within a device queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// ParsePriority maps the wire string to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Command is one discrete instruction destined for exactly one device.
//
// Commands are opaque to the wire: adapters encode them per protocol. The
// processor resolves each command exactly once via its result channel.
type Command struct {
	// ID uniquely identifies the command instance.
	ID string

	// DeviceID is the target device.
	DeviceID string

	// SessionID identifies the issuing session, empty for engine-issued
	// commands.
	SessionID string

	// Seq is the per-session monotonic sequence number used for replay
	// de-duplication inside the recovery window.
	Seq uint64

	Kind      Kind
	Intensity float64 // [0,100]

	// Pattern optionally references a pattern for pattern_start.
	Pattern string

	// Params carries pattern or positioning parameters.
	Params map[string]float64

	// Deadline, when set, is the absolute server time after which the
	// command must not be dispatched.
	Deadline time.Time

	Priority Priority

	// EnqueuedAt is stamped by the processor on admission.
	EnqueuedAt time.Time

	// Attempts counts dispatch attempts, maintained by the processor.
	Attempts int

	result chan error
}

// New creates a command with a fresh id and a result channel.
func New(deviceID string, kind Kind, intensity float64) *Command {
	return &Command{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Kind:      kind,
		Intensity: intensity,
		Priority:  PriorityNormal,
		result:    make(chan error, 1),
	}
}

// resolve completes the command. Safe to call more than once; only the
// first outcome is delivered.
func (c *Command) resolve(err error) {
	if c.result == nil {
		return
	}
	select {
	case c.result <- err:
	default:
	}
}

// Wait blocks until the command resolves or the timeout elapses.
// A nil error means the command was delivered to the adapter.
func (c *Command) Wait(timeout time.Duration) error {
	if c.result == nil {
		return nil
	}
	if timeout <= 0 {
		return <-c.result
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-c.result:
		return err
	case <-t.C:
		return ErrWaitTimeout
	}
}

// Done exposes the result channel for select-based callers.
func (c *Command) Done() <-chan error { return c.result }
