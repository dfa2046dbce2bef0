package pattern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMediaDriftWarp(t *testing.T) {
	m := NewModifiers(0)
	assert.Equal(t, 1.0, m.Warp())

	// Drift inside the threshold leaves timing alone.
	m.MediaUpdate(1050*time.Millisecond, 1000*time.Millisecond)
	assert.Equal(t, 1.0, m.Warp())

	// Media ahead by 300ms speeds the pattern up.
	m.MediaUpdate(1300*time.Millisecond, 1000*time.Millisecond)
	assert.InDelta(t, 1.3, m.Warp(), 1e-9)

	// Media behind by 300ms slows it down.
	m.MediaUpdate(1400*time.Millisecond, 1700*time.Millisecond)
	assert.InDelta(t, 0.7, m.Warp(), 1e-9)

	// Extreme drift clamps to [0.5, 1.5].
	m.MediaUpdate(3000*time.Millisecond, 1000*time.Millisecond)
	assert.Equal(t, 1.5, m.Warp())
	m.MediaUpdate(3100*time.Millisecond, 6000*time.Millisecond)
	assert.Equal(t, 0.5, m.Warp())
}

func TestMediaNonMonotoneDropped(t *testing.T) {
	m := NewModifiers(0)
	m.MediaUpdate(2000*time.Millisecond, 1000*time.Millisecond)
	warped := m.Warp()

	// An older timestamp must not rewind the warp.
	m.MediaUpdate(1500*time.Millisecond, 1500*time.Millisecond)
	assert.Equal(t, warped, m.Warp())
}

func TestBiometricModifier(t *testing.T) {
	m := NewModifiers(3.0)
	assert.Equal(t, 1.0, m.Factor(), "detached streams leave the factor at 1")

	m.SetBiometricBaseline(50, 60)
	assert.InDelta(t, 1.0, m.Factor(), 1e-9, "baseline sample is neutral")

	m.BiometricUpdate(100, 60)
	assert.InDelta(t, 2.0, m.Factor(), 1e-9)

	// Heart rate contribution is capped at 1.5x.
	m.BiometricUpdate(50, 300)
	assert.InDelta(t, 1.5, m.Factor(), 1e-9)

	// Updates without a baseline are ignored.
	fresh := NewModifiers(3.0)
	fresh.BiometricUpdate(100, 100)
	assert.Equal(t, 1.0, fresh.Factor())
}

func TestSpatialModifier(t *testing.T) {
	m := NewModifiers(3.0)
	m.SpatialUpdate(1.0, 1.0)
	assert.InDelta(t, 1.0, m.Factor(), 1e-9)

	m.SpatialUpdate(0.01, 1.0)
	assert.InDelta(t, 0.1, m.Factor(), 1e-9, "proximity floor")

	m.SpatialUpdate(2.0, -4.0)
	assert.InDelta(t, 1.5*1.5, m.Factor(), 1e-9, "both axes clamp at 1.5; velocity uses magnitude")
}

func TestCombinedFactorClampedToMax(t *testing.T) {
	m := NewModifiers(2.0)
	m.SetBiometricBaseline(50, 60)
	m.BiometricUpdate(150, 90) // 3.0 * 1.5
	m.SpatialUpdate(1.5, 1.5)  // * 1.5 * 1.5
	assert.Equal(t, 2.0, m.Factor())

	unlimited := NewModifiers(10)
	unlimited.SetBiometricBaseline(50, 60)
	unlimited.BiometricUpdate(150, 60)
	assert.InDelta(t, 3.0, unlimited.Factor(), 1e-9)
}
