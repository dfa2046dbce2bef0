package fault

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nexhaptics/haplink/internal/logger"
)

// BreakerConfig tunes a circuit breaker wrapped around one named call site.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from CLOSED to OPEN.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`

	// RecoveryTimeout is how long the breaker stays OPEN before allowing
	// HALF_OPEN probes.
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout"`

	// SuccessThreshold is the number of consecutive HALF_OPEN successes
	// required to close the breaker again.
	SuccessThreshold int `mapstructure:"success_threshold" yaml:"success_threshold"`
}

// Breaker is a three-state circuit breaker (CLOSED, OPEN, HALF_OPEN) for a
// named downstream call site. OPEN calls fail fast with a typed
// CIRCUIT_OPEN fault instead of touching the downstream.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker for the named call site.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs op through the breaker. While OPEN (or when HALF_OPEN probes
// are exhausted) it returns a CIRCUIT_OPEN fault without invoking op.
func (b *Breaker) Execute(op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Wrap(KindResource, "circuit open for "+b.name, err).
			WithCode(CodeCircuitOpen).
			WithDetail("breaker", b.name).
			WithSeverity(SeverityWarning).
			WithCategory(CategoryTransient)
	}
	return err
}

// State returns the breaker state name: "closed", "open", or "half-open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsOpen reports whether err is the fail-fast breaker-open fault.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// BreakerCode returns the client code for breaker-open failures.
func BreakerCode(err error) (Code, bool) {
	if IsOpen(err) {
		return CodeCircuitOpen, true
	}
	return "", false
}
