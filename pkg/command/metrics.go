package command

import "time"

// Metrics records processor activity. Implementations must be safe for
// concurrent use. A nil Metrics disables collection with zero overhead.
type Metrics interface {
	// CommandEnqueued counts one admitted command.
	CommandEnqueued(kind, priority string)

	// CommandResolved counts one resolved command by outcome
	// ("success", "failed", "stale", "cancelled").
	CommandResolved(kind, outcome string)

	// ObserveDispatch records one adapter dispatch: commands in the wire
	// call and how long it took.
	ObserveDispatch(batchSize int, duration time.Duration)

	// RetryScheduled counts one retry.
	RetryScheduled()

	// QueueDepth reports the current depth of one device queue.
	QueueDepth(deviceID string, depth int)
}
