package gateway

import "time"

// Metrics records gateway activity. Implementations must be safe for
// concurrent use. A nil Metrics disables collection with zero overhead.
type Metrics interface {
	// SessionOpened counts one accepted session.
	SessionOpened()

	// SessionClosed counts one ended session by reason.
	SessionClosed(reason string)

	// SessionRejected counts one refused session by reason
	// ("capacity", "blacklisted", "auth", "ddos").
	SessionRejected(reason string)

	// ObserveMessage records one handled inbound message.
	ObserveMessage(msgType string, duration time.Duration)

	// MessageFailed counts one message that resolved with an error code.
	MessageFailed(code string)

	// EventDelivered counts one outbound event frame.
	EventDelivered()
}
