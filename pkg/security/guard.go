// Package security implements the gateway's security guard: session
// authentication, per-message authorization, three-scope rate limiting,
// brute-force and DDoS blacklisting, optional message encryption with a
// rotating keyring, and threat retention.
//
// The guard is constructed once at startup and passed to the gateway;
// there are no package-level singletons. Internal state is protected by a
// single mutex that is never held across I/O.
package security

import (
	"time"

	"github.com/nexhaptics/haplink/internal/logger"
	"github.com/nexhaptics/haplink/pkg/fault"
)

// Config configures the guard.
type Config struct {
	// FailedLoginThreshold is the number of failed authentications from
	// one source inside BlacklistWindow that triggers a blacklist.
	FailedLoginThreshold int `mapstructure:"failed_login_threshold" yaml:"failed_login_threshold" validate:"gt=0"`

	// BlacklistWindow is the window over which failed logins accumulate.
	BlacklistWindow time.Duration `mapstructure:"blacklist_window" yaml:"blacklist_window" validate:"gt=0"`

	// BlacklistDuration is how long a blacklisted source stays rejected.
	BlacklistDuration time.Duration `mapstructure:"blacklist_duration" yaml:"blacklist_duration" validate:"gt=0"`

	// ConnectionLimit is the maximum connections one source may open
	// inside ConnectionWindow before it is treated as a DDoS source.
	ConnectionLimit  int           `mapstructure:"connection_limit" yaml:"connection_limit" validate:"gt=0"`
	ConnectionWindow time.Duration `mapstructure:"connection_window" yaml:"connection_window" validate:"gt=0"`

	// Limits configures the three rate-limit scopes.
	GlobalLimit        LimitConfig `mapstructure:"global_limit" yaml:"global_limit"`
	ConnectionLimitCfg LimitConfig `mapstructure:"connection_rate" yaml:"connection_rate"`
	UserLimit          LimitConfig `mapstructure:"user_limit" yaml:"user_limit"`

	// Encryption enables the message keyring.
	EncryptionEnabled bool          `mapstructure:"encryption_enabled" yaml:"encryption_enabled"`
	KeyGracePeriod    time.Duration `mapstructure:"key_grace_period" yaml:"key_grace_period"`
	KeyRotation       time.Duration `mapstructure:"key_rotation" yaml:"key_rotation"`

	// ThreatRetention is how long non-critical threats are retained.
	ThreatRetention time.Duration `mapstructure:"threat_retention" yaml:"threat_retention"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailedLoginThreshold: 5,
		BlacklistWindow:      time.Minute,
		BlacklistDuration:    time.Hour,
		ConnectionLimit:      30,
		ConnectionWindow:     10 * time.Second,
		GlobalLimit:          LimitConfig{Algorithm: AlgorithmTokenBucket, Limit: 1000, Window: time.Second},
		ConnectionLimitCfg:   LimitConfig{Algorithm: AlgorithmTokenBucket, Limit: 60, Window: time.Second},
		UserLimit:            LimitConfig{Algorithm: AlgorithmSlidingWindow, Limit: 120, Window: time.Second},
		KeyGracePeriod:       5 * time.Minute,
		KeyRotation:          time.Hour,
		ThreatRetention:      time.Hour,
	}
}

// EventSink receives every admission decision the guard makes.
type EventSink func(Event)

// Guard is the security guard.
type Guard struct {
	cfg    Config
	tokens *TokenService
	now    func() time.Time
	sink   EventSink

	// Metrics, when non-nil, records guard activity. Set before use.
	Metrics Metrics

	global     *Limiter
	connection *Limiter
	user       *Limiter

	keyring *Keyring
	threats *threatLog

	state *sourceState
}

// New creates a guard. sink may be nil; now defaults to time.Now.
func New(cfg Config, tokens *TokenService, now func() time.Time, sink EventSink) (*Guard, error) {
	if now == nil {
		now = time.Now
	}
	if sink == nil {
		sink = func(Event) {}
	}

	g := &Guard{
		cfg:        cfg,
		tokens:     tokens,
		now:        now,
		sink:       sink,
		global:     NewLimiter(cfg.GlobalLimit, now),
		connection: NewLimiter(cfg.ConnectionLimitCfg, now),
		user:       NewLimiter(cfg.UserLimit, now),
		threats:    newThreatLog(cfg.ThreatRetention, now),
		state:      newSourceState(cfg, now),
	}

	if cfg.EncryptionEnabled {
		keyring, err := NewKeyring(KeyringConfig{GracePeriod: cfg.KeyGracePeriod}, now)
		if err != nil {
			return nil, err
		}
		g.keyring = keyring
	}
	return g, nil
}

// Keyring returns the message keyring, or nil when encryption is disabled.
func (g *Guard) Keyring() *Keyring { return g.keyring }

// Threats returns the retained threat records.
func (g *Guard) Threats() []Threat { return g.threats.snapshot() }

// Authenticate verifies a credential presented by source. A blacklisted
// source is rejected synchronously before any verification work.
func (g *Guard) Authenticate(source, token string) (*Principal, error) {
	if until, ok := g.state.blacklistedUntil(source); ok {
		g.sink(Event{Kind: EventBlacklisted, Source: source, At: g.now(),
			Message: "blacklisted until " + until.Format(time.RFC3339)})
		if g.Metrics != nil {
			g.Metrics.SourceBlacklisted()
		}
		return nil, fault.New(fault.KindSecurity, "source is blacklisted").
			WithDetail("retry_after_s", int(until.Sub(g.now()).Seconds()))
	}

	principal, err := g.tokens.Verify(token)
	if err != nil {
		blacklisted := g.state.recordFailedLogin(source)
		g.sink(Event{Kind: EventAuthFailure, Source: source, At: g.now(), Message: err.Error()})
		if g.Metrics != nil {
			g.Metrics.AuthAttempt(false)
		}
		if blacklisted {
			g.recordThreat(Threat{
				Kind:       ThreatBruteForce,
				Severity:   ThreatSeverityHigh,
				Source:     source,
				Message:    "failed login threshold exceeded",
				DetectedAt: g.now(),
			})
			logger.Warn("source blacklisted after repeated auth failures",
				logger.KeyClientIP, source,
				logger.KeyThreatKind, string(ThreatBruteForce),
			)
		}
		return nil, err
	}

	g.state.clearFailedLogins(source)
	g.sink(Event{Kind: EventAuthSuccess, Source: source, UserID: principal.UserID, At: g.now()})
	if g.Metrics != nil {
		g.Metrics.AuthAttempt(true)
	}
	return principal, nil
}

// AdmitConnection accounts one new connection from source and applies DDoS
// protection. Returns a fault when the source is blacklisted or breaches
// the connection budget.
func (g *Guard) AdmitConnection(source string) error {
	if until, ok := g.state.blacklistedUntil(source); ok {
		g.sink(Event{Kind: EventBlacklisted, Source: source, At: g.now(),
			Message: "blacklisted until " + until.Format(time.RFC3339)})
		if g.Metrics != nil {
			g.Metrics.SourceBlacklisted()
		}
		return fault.New(fault.KindSecurity, "source is blacklisted")
	}

	if g.state.recordConnection(source) {
		g.recordThreat(Threat{
			Kind:       ThreatDDoS,
			Severity:   ThreatSeverityCritical,
			Source:     source,
			Message:    "connection rate breach",
			DetectedAt: g.now(),
		})
		g.sink(Event{Kind: EventBlacklisted, Source: source, At: g.now(), Message: "connection flood"})
		logger.Error("connection flood detected",
			logger.KeyClientIP, source,
			logger.KeyThreatKind, string(ThreatDDoS),
		)
		return fault.New(fault.KindSecurity, "connection rate exceeded")
	}
	return nil
}

// CheckMessage applies the three rate-limit scopes to one inbound message.
// The first denying scope wins; its decision is returned with the fault.
func (g *Guard) CheckMessage(connectionID, userID string) (Decision, error) {
	checks := []struct {
		scope   Scope
		limiter *Limiter
		id      string
	}{
		{ScopeGlobal, g.global, "global"},
		{ScopeConnection, g.connection, connectionID},
		{ScopeUser, g.user, userID},
	}
	for _, c := range checks {
		d := c.limiter.Check(c.id)
		if !d.Allowed {
			g.recordThreat(Threat{
				Kind:       ThreatRateLimit,
				Severity:   ThreatSeverityMedium,
				Source:     c.id,
				Message:    "rate limit exceeded at scope " + string(c.scope),
				DetectedAt: g.now(),
			})
			g.sink(Event{Kind: EventRateLimited, Source: c.id, UserID: userID, At: g.now(),
				Message: string(c.scope)})
			if g.Metrics != nil {
				g.Metrics.RateLimited(string(c.scope))
			}
			return d, fault.New(fault.KindRateLimit, "rate limit exceeded").
				WithDetail("scope", string(c.scope)).
				WithDetail("retry_after_s", d.RetryAfter.Seconds())
		}
	}
	return Decision{Allowed: true}, nil
}

// Authorize checks one permission bit, emitting an access-denied event on
// failure.
func (g *Guard) Authorize(userID string, allowed bool, action string) error {
	if allowed {
		return nil
	}
	g.recordThreat(Threat{
		Kind:       ThreatUnauthorizedAccess,
		Severity:   ThreatSeverityMedium,
		Source:     userID,
		Message:    "denied " + action,
		DetectedAt: g.now(),
	})
	g.sink(Event{Kind: EventAccessDenied, UserID: userID, At: g.now(), Message: action})
	return fault.Newf(fault.KindAuthorization, "not permitted: %s", action)
}

// recordThreat retains a threat and counts it.
func (g *Guard) recordThreat(t Threat) {
	g.threats.add(t)
	if g.Metrics != nil {
		g.Metrics.ThreatDetected(string(t.Kind))
	}
}

// Sweep prunes idle limiter buckets and expired blacklist entries. Run on
// the guard's maintenance interval; also rotates the keyring when due.
func (g *Guard) Sweep() {
	now := g.now()
	g.global.prune(now)
	g.connection.prune(now)
	g.user.prune(now)
	g.state.prune(now)

	if g.keyring != nil && g.cfg.KeyRotation > 0 && g.state.rotationDue(now, g.cfg.KeyRotation) {
		if err := g.keyring.Rotate(); err != nil {
			logger.Error("keyring rotation failed", logger.KeyError, err.Error())
		} else {
			logger.Info("encryption key rotated", logger.KeyKeyID, g.keyring.CurrentKeyID())
		}
	}
}
