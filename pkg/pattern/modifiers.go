package pattern

import (
	"math"
	"sync"
	"time"
)

// driftThreshold is the media drift below which no time warp applies.
const driftThreshold = 100 * time.Millisecond

// Modifiers aggregates the optional per-device input streams that shape
// a running pattern: media position, biometrics, and spatial tracking.
//
// Factor multiplies the pattern's sampled intensity; Warp scales the
// pattern clock to follow media drift. Both are recomputed on every
// stream update and read on every tick.
type Modifiers struct {
	// MaxFraction caps the combined multiplier; zero means 1.0.
	MaxFraction float64

	mu sync.Mutex

	media struct {
		attached  bool
		lastStamp time.Duration
		warp      float64
	}

	biometric struct {
		attached          bool
		baselineArousal   float64
		baselineHeartRate float64
		arousal           float64
		heartRate         float64
	}

	spatial struct {
		attached  bool
		proximity float64
		velocity  float64
	}
}

// NewModifiers creates an empty modifier set with the given cap.
func NewModifiers(maxFraction float64) *Modifiers {
	m := &Modifiers{MaxFraction: maxFraction}
	m.media.warp = 1.0
	return m
}

// MediaUpdate feeds a media position against the pattern's own position.
// Updates with non-monotone timestamps are dropped. Drift beyond the
// threshold warps the pattern clock by 1 + drift/1000, clamped to
// [0.5, 1.5].
func (m *Modifiers) MediaUpdate(mediaPos, patternPos time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.media.attached && mediaPos <= m.media.lastStamp {
		return
	}
	m.media.attached = true
	m.media.lastStamp = mediaPos

	drift := mediaPos - patternPos
	if drift.Abs() <= driftThreshold {
		m.media.warp = 1.0
		return
	}
	m.media.warp = clamp(1+float64(drift.Milliseconds())/1000, 0.5, 1.5)
}

// SetBiometricBaseline records the resting levels updates are measured
// against. Non-positive baselines detach the stream.
func (m *Modifiers) SetBiometricBaseline(arousal, heartRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if arousal <= 0 || heartRate <= 0 {
		m.biometric.attached = false
		return
	}
	m.biometric.attached = true
	m.biometric.baselineArousal = arousal
	m.biometric.baselineHeartRate = heartRate
	m.biometric.arousal = arousal
	m.biometric.heartRate = heartRate
}

// BiometricUpdate feeds a sample relative to the baseline.
func (m *Modifiers) BiometricUpdate(arousal, heartRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.biometric.attached {
		return
	}
	m.biometric.arousal = arousal
	m.biometric.heartRate = heartRate
}

// SpatialUpdate feeds a proximity and velocity sample.
func (m *Modifiers) SpatialUpdate(proximity, velocity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spatial.attached = true
	m.spatial.proximity = proximity
	m.spatial.velocity = velocity
}

// Factor is the combined intensity multiplier, clamped to
// [0, MaxFraction].
func (m *Modifiers) Factor() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := 1.0
	if m.biometric.attached {
		f *= m.biometric.arousal / m.biometric.baselineArousal
		f *= math.Min(m.biometric.heartRate/m.biometric.baselineHeartRate, 1.5)
	}
	if m.spatial.attached {
		f *= clamp(m.spatial.proximity, 0.1, 1.5)
		f *= clamp(math.Abs(m.spatial.velocity), 0.1, 1.5)
	}

	max := m.MaxFraction
	if max <= 0 {
		max = 1.0
	}
	return clamp(f, 0, max)
}

// Warp is the current pattern-clock scale from media drift.
func (m *Modifiers) Warp() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.media.warp
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
