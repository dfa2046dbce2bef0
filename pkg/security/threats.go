package security

import (
	"sync"
	"time"
)

// ThreatKind classifies a detected threat.
type ThreatKind string

const (
	ThreatBruteForce         ThreatKind = "brute_force"
	ThreatDDoS               ThreatKind = "ddos"
	ThreatRateLimit          ThreatKind = "rate_limit"
	ThreatSuspiciousPattern  ThreatKind = "suspicious_pattern"
	ThreatUnauthorizedAccess ThreatKind = "unauthorized_access"
)

// ThreatSeverity orders threats by urgency.
type ThreatSeverity string

const (
	ThreatSeverityLow      ThreatSeverity = "low"
	ThreatSeverityMedium   ThreatSeverity = "medium"
	ThreatSeverityHigh     ThreatSeverity = "high"
	ThreatSeverityCritical ThreatSeverity = "critical"
)

// Threat is a retained security incident.
type Threat struct {
	Kind       ThreatKind
	Severity   ThreatSeverity
	Source     string
	Message    string
	DetectedAt time.Time
}

// EventKind classifies admission-decision security events.
type EventKind string

const (
	EventAuthSuccess  EventKind = "auth_success"
	EventAuthFailure  EventKind = "auth_failure"
	EventBlacklisted  EventKind = "blacklisted"
	EventRateLimited  EventKind = "rate_limited"
	EventAccessDenied EventKind = "access_denied"
)

// Event is one admission decision, emitted for every check the guard makes.
type Event struct {
	Kind    EventKind
	Source  string
	UserID  string
	Message string
	At      time.Time
}

// threatLog retains threats in memory. Non-critical threats expire after
// the retention window; critical threats are kept until explicitly cleared.
type threatLog struct {
	mu        sync.Mutex
	retention time.Duration
	now       func() time.Time
	threats   []Threat
}

func newThreatLog(retention time.Duration, now func() time.Time) *threatLog {
	if retention <= 0 {
		retention = time.Hour
	}
	return &threatLog{retention: retention, now: now}
}

func (t *threatLog) add(threat Threat) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threats = append(t.threats, threat)
}

// snapshot returns live threats, pruning expired non-critical entries.
func (t *threatLog) snapshot() []Threat {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.threats[:0]
	for _, th := range t.threats {
		if th.Severity != ThreatSeverityCritical && now.Sub(th.DetectedAt) > t.retention {
			continue
		}
		kept = append(kept, th)
	}
	t.threats = kept
	return append([]Threat(nil), kept...)
}
