package security

import (
	"sync"
	"time"
)

// Algorithm selects the rate-limit accounting model for a scope.
type Algorithm string

const (
	// AlgorithmFixedWindow resets the counter at floor(now/window)*window
	// boundaries.
	AlgorithmFixedWindow Algorithm = "fixed_window"

	// AlgorithmSlidingWindow decays the counter once the gap since the
	// last request exceeds the window.
	AlgorithmSlidingWindow Algorithm = "sliding_window"

	// AlgorithmTokenBucket refills limit/window tokens per millisecond,
	// capped at limit.
	AlgorithmTokenBucket Algorithm = "token_bucket"
)

// Scope names an independent rate-limit bucket set.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeConnection Scope = "connection"
	ScopeUser       Scope = "user"
)

// LimitConfig configures one rate-limit scope.
type LimitConfig struct {
	Algorithm Algorithm     `mapstructure:"algorithm" yaml:"algorithm"`
	Limit     int           `mapstructure:"limit"     yaml:"limit"     validate:"gt=0"`
	Window    time.Duration `mapstructure:"window"    yaml:"window"    validate:"gt=0"`

	// SoftBlockTimeout is how long an identifier stays blocked after its
	// counter exceeds Limit*1.5. Checks during the block deny immediately
	// without touching the counter.
	SoftBlockTimeout time.Duration `mapstructure:"soft_block_timeout" yaml:"soft_block_timeout"`
}

// Decision is the non-blocking result of a rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter implements one scope's buckets. All methods are non-blocking and
// constant-time per identifier.
type Limiter struct {
	cfg LimitConfig
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count        float64   // requests in window (fixed/sliding) or tokens left (token bucket)
	windowStart  time.Time // fixed window boundary
	lastRequest  time.Time // sliding decay and token refill reference
	blockedUntil time.Time // soft block expiry
}

// NewLimiter creates a limiter for one scope. A nil now defaults to
// time.Now.
func NewLimiter(cfg LimitConfig, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	if cfg.SoftBlockTimeout <= 0 {
		cfg.SoftBlockTimeout = cfg.Window
	}
	return &Limiter{
		cfg:     cfg,
		now:     now,
		buckets: make(map[string]*bucket),
	}
}

// Check records one request attempt for id and returns the decision.
func (l *Limiter) Check(id string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{}
		if l.cfg.Algorithm == AlgorithmTokenBucket {
			b.count = float64(l.cfg.Limit)
		}
		b.lastRequest = now
		b.windowStart = now.Truncate(l.cfg.Window)
		l.buckets[id] = b
	}

	// Soft block short-circuits without examining the counter.
	if now.Before(b.blockedUntil) {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    b.blockedUntil,
			RetryAfter: b.blockedUntil.Sub(now),
		}
	}

	switch l.cfg.Algorithm {
	case AlgorithmTokenBucket:
		return l.checkTokenBucket(b, now)
	case AlgorithmSlidingWindow:
		return l.checkSlidingWindow(b, now)
	default:
		return l.checkFixedWindow(b, now)
	}
}

func (l *Limiter) checkFixedWindow(b *bucket, now time.Time) Decision {
	boundary := now.Truncate(l.cfg.Window)
	if boundary.After(b.windowStart) {
		b.windowStart = boundary
		b.count = 0
	}
	b.count++
	b.lastRequest = now
	resetAt := b.windowStart.Add(l.cfg.Window)
	return l.finish(b, now, b.count, resetAt)
}

func (l *Limiter) checkSlidingWindow(b *bucket, now time.Time) Decision {
	if now.Sub(b.lastRequest) > l.cfg.Window {
		b.count = 0
	}
	b.count++
	b.lastRequest = now
	resetAt := now.Add(l.cfg.Window)
	return l.finish(b, now, b.count, resetAt)
}

func (l *Limiter) checkTokenBucket(b *bucket, now time.Time) Decision {
	elapsed := now.Sub(b.lastRequest)
	if elapsed > 0 {
		refill := float64(elapsed.Milliseconds()) * float64(l.cfg.Limit) / float64(l.cfg.Window.Milliseconds())
		b.count += refill
		if b.count > float64(l.cfg.Limit) {
			b.count = float64(l.cfg.Limit)
		}
		b.lastRequest = now
	}

	if b.count >= 1 {
		b.count--
		remaining := int(b.count)
		return Decision{
			Allowed:   true,
			Remaining: remaining,
			ResetAt:   now.Add(l.refillTime(1)),
		}
	}

	retry := l.refillTime(1 - b.count)
	return Decision{
		Allowed:    false,
		Remaining:  0,
		ResetAt:    now.Add(retry),
		RetryAfter: retry,
	}
}

// refillTime returns how long the bucket needs to accrue n tokens.
func (l *Limiter) refillTime(n float64) time.Duration {
	perToken := float64(l.cfg.Window) / float64(l.cfg.Limit)
	return time.Duration(n * perToken)
}

// finish applies the shared over-limit and soft-block policy for the
// window algorithms.
func (l *Limiter) finish(b *bucket, now time.Time, count float64, resetAt time.Time) Decision {
	limit := float64(l.cfg.Limit)

	if count > limit*1.5 {
		b.blockedUntil = now.Add(l.cfg.SoftBlockTimeout)
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    b.blockedUntil,
			RetryAfter: b.blockedUntil.Sub(now),
		}
	}

	if count > limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	return Decision{
		Allowed:   true,
		Remaining: int(limit - count),
		ResetAt:   resetAt,
	}
}

// Reset clears the bucket (and any soft block) for id.
func (l *Limiter) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, id)
}

// prune drops buckets idle for more than two windows. Called by the guard
// on its maintenance sweep.
func (l *Limiter) prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		if now.Sub(b.lastRequest) > 2*l.cfg.Window && now.After(b.blockedUntil) {
			delete(l.buckets, id)
		}
	}
}
