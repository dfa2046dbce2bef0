package security

import (
	"sync"
	"time"
)

// sourceState tracks per-source failed logins, connection counts, and
// blacklist entries under one lock. The lock is never held across I/O.
type sourceState struct {
	cfg Config
	now func() time.Time

	mu           sync.Mutex
	failed       map[string]*attemptWindow
	connections  map[string]*attemptWindow
	blacklist    map[string]time.Time
	lastRotation time.Time
}

type attemptWindow struct {
	count       int
	windowStart time.Time
}

func newSourceState(cfg Config, now func() time.Time) *sourceState {
	return &sourceState{
		cfg:          cfg,
		now:          now,
		failed:       make(map[string]*attemptWindow),
		connections:  make(map[string]*attemptWindow),
		blacklist:    make(map[string]time.Time),
		lastRotation: now(),
	}
}

// blacklistedUntil reports whether source is currently blacklisted.
func (s *sourceState) blacklistedUntil(source string) (time.Time, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.blacklist[source]
	if !ok {
		return time.Time{}, false
	}
	if now.After(until) {
		delete(s.blacklist, source)
		return time.Time{}, false
	}
	return until, true
}

// recordFailedLogin bumps the failed-attempt counter for source and
// blacklists it when the threshold is crossed inside the window.
// Returns true when the call caused a blacklist.
func (s *sourceState) recordFailedLogin(source string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.failed[source]
	if w == nil || now.Sub(w.windowStart) > s.cfg.BlacklistWindow {
		w = &attemptWindow{windowStart: now}
		s.failed[source] = w
	}
	w.count++

	if w.count >= s.cfg.FailedLoginThreshold {
		s.blacklist[source] = now.Add(s.cfg.BlacklistDuration)
		delete(s.failed, source)
		return true
	}
	return false
}

// clearFailedLogins forgets failure history for source after a success.
func (s *sourceState) clearFailedLogins(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed, source)
}

// recordConnection counts one connection from source inside the connection
// window. Returns true when the budget is breached, which also blacklists
// the source for one connection window.
func (s *sourceState) recordConnection(source string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.connections[source]
	if w == nil || now.Sub(w.windowStart) > s.cfg.ConnectionWindow {
		w = &attemptWindow{windowStart: now}
		s.connections[source] = w
	}
	w.count++

	if w.count > s.cfg.ConnectionLimit {
		s.blacklist[source] = now.Add(s.cfg.ConnectionWindow)
		delete(s.connections, source)
		return true
	}
	return false
}

// rotationDue reports whether a keyring rotation is due and, if so,
// records the rotation time.
func (s *sourceState) rotationDue(now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastRotation) < interval {
		return false
	}
	s.lastRotation = now
	return true
}

// prune drops expired windows and blacklist entries.
func (s *sourceState) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for src, w := range s.failed {
		if now.Sub(w.windowStart) > s.cfg.BlacklistWindow {
			delete(s.failed, src)
		}
	}
	for src, w := range s.connections {
		if now.Sub(w.windowStart) > s.cfg.ConnectionWindow {
			delete(s.connections, src)
		}
	}
	for src, until := range s.blacklist {
		if now.After(until) {
			delete(s.blacklist, src)
		}
	}
}
