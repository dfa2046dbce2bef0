package fault

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/nexhaptics/haplink/internal/logger"
)

// Backoff selects how retry delays grow across attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Strategy describes how a fault kind is retried.
//
// Predicate, when non-nil, is consulted before each retry with the error
// and attempt number; returning false aborts recovery early.
type Strategy struct {
	MaxAttempts  int
	Backoff      Backoff
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       bool
	Predicate    func(err error, attempt int) bool
}

// Delay computes the delay before the given retry attempt (1-based).
// Exponential backoff applies optional ±10% jitter. The result is always
// capped at MaxDelay when MaxDelay > 0.
func (s Strategy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch s.Backoff {
	case BackoffLinear:
		d = s.InitialDelay * time.Duration(attempt)
	case BackoffExponential:
		d = s.InitialDelay << uint(attempt-1)
		if s.Jitter {
			// ±10%
			f := 0.9 + 0.2*rand.Float64()
			d = time.Duration(float64(d) * f)
		}
	default:
		d = s.InitialDelay
	}
	if s.MaxDelay > 0 && d > s.MaxDelay {
		d = s.MaxDelay
	}
	return d
}

// Recoverer retries operations according to per-kind strategies and
// suppresses duplicate error logs inside a rolling window.
type Recoverer struct {
	mu         sync.RWMutex
	strategies map[Kind]Strategy
	dedupe     *dedupeWindow
}

// RecovererConfig configures a Recoverer.
type RecovererConfig struct {
	// ErrorWindow is the rolling window inside which errors with identical
	// (kind, message) are logged once and then suppressed.
	ErrorWindow time.Duration
}

// NewRecoverer creates a Recoverer with sensible per-kind defaults.
// Fatal kinds carry no strategy and are never retried.
func NewRecoverer(cfg RecovererConfig) *Recoverer {
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = 30 * time.Second
	}
	r := &Recoverer{
		strategies: make(map[Kind]Strategy),
		dedupe:     newDedupeWindow(cfg.ErrorWindow),
	}
	r.SetStrategy(KindConnection, Strategy{MaxAttempts: 3, Backoff: BackoffExponential, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: true})
	r.SetStrategy(KindTimeout, Strategy{MaxAttempts: 2, Backoff: BackoffFixed, InitialDelay: 250 * time.Millisecond})
	r.SetStrategy(KindDeviceBusy, Strategy{MaxAttempts: 3, Backoff: BackoffLinear, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second})
	r.SetStrategy(KindDevice, Strategy{MaxAttempts: 2, Backoff: BackoffFixed, InitialDelay: 100 * time.Millisecond})
	r.SetStrategy(KindResource, Strategy{MaxAttempts: 2, Backoff: BackoffExponential, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second})
	return r
}

// SetStrategy installs or replaces the strategy for a kind.
func (r *Recoverer) SetStrategy(kind Kind, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[kind] = s
}

// StrategyFor returns the strategy for a kind, if one exists.
func (r *Recoverer) StrategyFor(kind Kind) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[kind]
	return s, ok
}

// Do runs op, retrying per the strategy of the classified fault kind.
// Fatal-category faults are returned immediately. The final error of an
// exhausted retry sequence is returned unchanged.
func (r *Recoverer) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if CategoryOf(lastErr) == CategoryFatal {
			r.Report(lastErr)
			return lastErr
		}

		strat, ok := r.StrategyFor(KindOf(lastErr))
		if !ok || attempt >= strat.MaxAttempts {
			r.Report(lastErr)
			return lastErr
		}
		if strat.Predicate != nil && !strat.Predicate(lastErr, attempt) {
			r.Report(lastErr)
			return lastErr
		}

		delay := strat.Delay(attempt)
		logger.Debug("retrying operation",
			"operation", name,
			logger.KeyAttempt, attempt,
			"delay", delay,
			logger.KeyErrorKind, string(KindOf(lastErr)),
		)
		select {
		case <-ctx.Done():
			return Wrap(KindTimeout, "recovery cancelled", ctx.Err())
		case <-time.After(delay):
		}
	}
}

// Report logs a fault unless an identical (kind, message) was logged
// within the error window.
func (r *Recoverer) Report(err error) {
	var fe *Error
	if !errors.As(err, &fe) {
		logger.Error("unclassified error", logger.KeyError, err.Error())
		return
	}
	if !r.dedupe.admit(string(fe.Kind), fe.Message) {
		return
	}
	args := []any{
		logger.KeyErrorKind, string(fe.Kind),
		"severity", fe.Severity.String(),
		"category", string(fe.Category),
		logger.KeyError, fe.Error(),
	}
	switch fe.Severity {
	case SeverityDebug:
		logger.Debug(fe.Message, args...)
	case SeverityInfo:
		logger.Info(fe.Message, args...)
	case SeverityWarning:
		logger.Warn(fe.Message, args...)
	default:
		logger.Error(fe.Message, args...)
	}
}

// dedupeWindow tracks recently reported (kind, message) pairs.
type dedupeWindow struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newDedupeWindow(window time.Duration) *dedupeWindow {
	return &dedupeWindow{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// admit returns true the first time a (kind, message) pair is seen within
// the window, false for duplicates. Stale entries are pruned lazily.
func (d *dedupeWindow) admit(kind, message string) bool {
	key := kind + "\x00" + message
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return false
	}
	d.seen[key] = now

	if len(d.seen) > 1024 {
		for k, t := range d.seen {
			if now.Sub(t) >= d.window {
				delete(d.seen, k)
			}
		}
	}
	return true
}
