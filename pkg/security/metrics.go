package security

// Metrics records guard activity. Implementations must be safe for
// concurrent use. A nil Metrics disables collection with zero overhead.
type Metrics interface {
	// AuthAttempt counts one authentication by outcome.
	AuthAttempt(success bool)

	// RateLimited counts one denied message by scope.
	RateLimited(scope string)

	// ThreatDetected counts one recorded threat by kind.
	ThreatDetected(kind string)

	// SourceBlacklisted counts one blacklist admission rejection.
	SourceBlacklisted()
}
