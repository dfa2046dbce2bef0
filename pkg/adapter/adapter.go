// Package adapter defines the protocol-adapter contract: the component
// that owns a wire transport to one device and translates between core
// commands/events and the wire format.
//
// Concrete transports live in subpackages (duplex, radio); batching is a
// wrapper in its own subpackage. Adapters are constructed by factories
// registered per protocol tag in the device registry.
package adapter

import (
	"context"
	"time"

	"github.com/nexhaptics/haplink/pkg/command"
)

// Status reflects the adapter's view of its wire.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// EventType enumerates adapter lifecycle events.
type EventType string

const (
	EventConnected     EventType = "CONNECTED"
	EventDisconnected  EventType = "DISCONNECTED"
	EventStatusChanged EventType = "STATUS_CHANGED"
	EventError         EventType = "ERROR"
)

// Event is an asynchronous notification from an adapter.
type Event struct {
	Type     EventType
	DeviceID string
	At       time.Time

	// State carries device-reported fields for STATUS_CHANGED events.
	State map[string]any

	// Err is set for ERROR events.
	Err error
}

// Listener receives adapter events. Listeners must not block; slow
// consumers should hand off to their own queue.
type Listener func(Event)

// Latency is the adapter's most recent latency estimate, used by the
// pattern engine for tick compensation.
type Latency struct {
	Network    time.Duration
	Processing time.Duration
}

// Offset returns the total scheduling offset: network + processing plus a
// fixed 50ms safety margin.
func (l Latency) Offset() time.Duration {
	return l.Network + l.Processing + 50*time.Millisecond
}

// Adapter owns the wire to one device.
//
// The adapter is responsible for its own heartbeat, reconnect, encoding,
// and decoding. Transient wire failures trigger internal reconnect and
// never tear down upstream state; persistent failures surface through
// ERROR events and failed sends, and the registry moves the device to the
// error state.
//
// Thread safety: all methods are safe for concurrent use. Send may be
// called concurrently with Disconnect; pending sends are rejected with a
// disconnected error when the wire closes.
type Adapter interface {
	// Connect opens the transport. Blocks until the wire is usable, the
	// context deadline elapses, or the attempt fails.
	Connect(ctx context.Context) error

	// Disconnect closes the transport and stops internal timers. Pending
	// sends are rejected. Idempotent.
	Disconnect(ctx context.Context) error

	// Send encodes and delivers one command. The returned error reflects
	// wire delivery, not device-side execution; device state changes
	// arrive as STATUS_CHANGED events.
	Send(ctx context.Context, cmd *command.Command) error

	// Subscribe registers a listener for adapter events. The returned
	// function removes the listener.
	Subscribe(l Listener) (unsubscribe func())

	// Status returns the adapter's current wire status.
	Status() Status

	// Latency returns the most recent latency samples.
	Latency() Latency
}

// BatchSender is implemented by adapters whose transport can carry several
// commands in one wire frame. The command processor detects it and
// dispatches whole batches in a single call; otherwise it falls back to
// per-command sends.
type BatchSender interface {
	SendBatch(ctx context.Context, cmds []*command.Command) error
}

// Factory constructs an adapter for one device given its wire address and
// per-protocol options. Factories are registered in the device registry
// keyed by protocol tag.
type Factory func(deviceID, address string, opts map[string]any) (Adapter, error)
