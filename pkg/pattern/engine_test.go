package pattern

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexhaptics/haplink/pkg/command"
	"github.com/nexhaptics/haplink/pkg/fault"
	"github.com/nexhaptics/haplink/pkg/scheduler"
)

type captureSubmitter struct {
	mu   sync.Mutex
	cmds []*command.Command
}

func (c *captureSubmitter) Submit(cmd *command.Command) error {
	c.mu.Lock()
	c.cmds = append(c.cmds, cmd)
	c.mu.Unlock()
	return nil
}

func (c *captureSubmitter) all() []*command.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*command.Command, len(c.cmds))
	copy(out, c.cmds)
	return out
}

type engineHarness struct {
	clock  *scheduler.FakeClock
	sched  *scheduler.Scheduler
	sub    *captureSubmitter
	engine *Engine

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, cfg Config, deviceCap float64) *engineHarness {
	h := &engineHarness{
		clock: scheduler.NewFakeClock(time.Unix(1_700_000_000, 0)),
		sub:   &captureSubmitter{},
	}
	h.sched = scheduler.New(h.clock)
	t.Cleanup(h.sched.StopAll)

	caps := func(id string) (float64, bool) {
		if id == "ghost" {
			return 0, false
		}
		return deviceCap, true
	}
	h.engine = NewEngine(cfg, h.sched, h.sub, caps, nil)
	h.engine.Listener = func(ev Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	}
	return h
}

func (h *engineHarness) eventKinds() []EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	kinds := make([]EventKind, len(h.events))
	for i, ev := range h.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func testEngineConfig() Config {
	cfg := DefaultConfig()
	cfg.Safety = Safety{
		MaxIntensity: 100,
		MaxDuration:  time.Minute,
		Cooldown:     time.Second,
		MaxModifier:  3.0,
	}
	cfg.TickResolution = 50 * time.Millisecond
	return cfg
}

func TestTicksClampToDeviceCap(t *testing.T) {
	h := newHarness(t, testEngineConfig(), 60)

	wave := &Wave{Min: 20, Max: 80, Period: time.Second}
	require.NoError(t, h.engine.Start("dev-1", "wave", wave, 0))
	assert.Equal(t, []EventKind{EventStarted}, h.eventKinds())

	h.clock.Advance(250 * time.Millisecond)

	cmds := h.sub.all()
	require.NotEmpty(t, cmds)
	for _, cmd := range cmds {
		assert.Equal(t, command.KindVibrate, cmd.Kind)
		assert.LessOrEqual(t, cmd.Intensity, 60.0, "device cap bounds every tick")
		assert.GreaterOrEqual(t, cmd.Intensity, 0.0)
	}
	assert.True(t, h.engine.Running("dev-1"))
}

func TestBiometricSpikeTripsSafety(t *testing.T) {
	h := newHarness(t, testEngineConfig(), 60)

	wave := &Wave{Min: 40, Max: 80, Period: time.Second}
	require.NoError(t, h.engine.Start("dev-1", "wave", wave, 0))

	h.clock.Advance(50 * time.Millisecond)
	require.NotEmpty(t, h.sub.all(), "pattern ticking before the spike")

	h.engine.SetBiometricBaseline("dev-1", 50, 60)
	h.engine.BiometricUpdate("dev-1", 150, 60) // 3x arousal

	h.clock.Advance(50 * time.Millisecond)

	kinds := h.eventKinds()
	assert.Equal(t, []EventKind{EventStarted, EventSafetyTrip, EventStopped}, kinds)
	assert.False(t, h.engine.Running("dev-1"))

	cmds := h.sub.all()
	last := cmds[len(cmds)-1]
	assert.Equal(t, command.KindStop, last.Kind)
	assert.Equal(t, 0.0, last.Intensity)
	assert.Equal(t, command.PriorityCritical, last.Priority)
}

func TestMaxDurationTripsSafety(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Safety.MaxDuration = 200 * time.Millisecond
	h := newHarness(t, cfg, 100)

	require.NoError(t, h.engine.Start("dev-1", "steady", &Constant{Level: 30}, 0))
	h.clock.Advance(300 * time.Millisecond)

	kinds := h.eventKinds()
	assert.Contains(t, kinds, EventSafetyTrip)
	assert.Equal(t, EventStopped, kinds[len(kinds)-1])
	assert.False(t, h.engine.Running("dev-1"))
}

func TestCooldownBlocksRestart(t *testing.T) {
	h := newHarness(t, testEngineConfig(), 100)

	require.NoError(t, h.engine.Start("dev-1", "steady", &Constant{Level: 30}, 0))
	h.clock.Advance(50 * time.Millisecond)
	h.engine.Stop("dev-1")

	err := h.engine.Start("dev-1", "steady", &Constant{Level: 30}, 0)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	h.clock.Advance(time.Second)
	require.NoError(t, h.engine.Start("dev-1", "steady", &Constant{Level: 30}, 0))
}

func TestSecondStartIsDeviceBusy(t *testing.T) {
	h := newHarness(t, testEngineConfig(), 100)

	require.NoError(t, h.engine.Start("dev-1", "steady", &Constant{Level: 30}, 0))
	err := h.engine.Start("dev-1", "other", &Constant{Level: 10}, 0)
	require.Error(t, err)
	assert.Equal(t, fault.KindDeviceBusy, fault.KindOf(err))

	require.NoError(t, h.engine.Start("dev-2", "steady", &Constant{Level: 30}, 0),
		"other devices unaffected")
}

func TestUnknownDeviceRejected(t *testing.T) {
	h := newHarness(t, testEngineConfig(), 100)
	err := h.engine.Start("ghost", "steady", &Constant{Level: 30}, 0)
	require.Error(t, err)
	assert.Equal(t, fault.KindDeviceNotFound, fault.KindOf(err))
}

func TestBoundedPatternCompletes(t *testing.T) {
	h := newHarness(t, testEngineConfig(), 100)

	ramp := &Ramp{From: 0, To: 100, Length: 100 * time.Millisecond}
	require.NoError(t, h.engine.Start("dev-1", "ramp", ramp, 0))

	h.clock.Advance(200 * time.Millisecond)

	kinds := h.eventKinds()
	assert.Equal(t, EventStopped, kinds[len(kinds)-1])
	assert.NotContains(t, kinds, EventSafetyTrip)
	assert.False(t, h.engine.Running("dev-1"))

	cmds := h.sub.all()
	require.NotEmpty(t, cmds)
	assert.Equal(t, command.KindStop, cmds[len(cmds)-1].Kind)
}

func TestLatencyOffsetShiftsSamples(t *testing.T) {
	h := newHarness(t, testEngineConfig(), 100)
	h.engine.offset = func(string) time.Duration { return 100 * time.Millisecond }

	ramp := &Ramp{From: 0, To: 100, Length: time.Second}
	require.NoError(t, h.engine.Start("dev-1", "ramp", ramp, 0))

	h.clock.Advance(50 * time.Millisecond)

	cmds := h.sub.all()
	require.Len(t, cmds, 1)
	// pos 50ms + 100ms offset samples the ramp at 150ms.
	assert.InDelta(t, 15.0, cmds[0].Intensity, 1e-9)
}

func TestMediaWarpSpeedsPatternClock(t *testing.T) {
	h := newHarness(t, testEngineConfig(), 100)

	ramp := &Ramp{From: 0, To: 100, Length: time.Second}
	require.NoError(t, h.engine.Start("dev-1", "ramp", ramp, 0))

	// Media running 500ms ahead warps the clock to 1.5x.
	h.engine.MediaUpdate("dev-1", 500*time.Millisecond)

	h.clock.Advance(100 * time.Millisecond)

	cmds := h.sub.all()
	require.Len(t, cmds, 2)
	assert.InDelta(t, 7.5, cmds[0].Intensity, 1e-9)
	assert.InDelta(t, 15.0, cmds[1].Intensity, 1e-9)
}

func TestStopAllHaltsEverything(t *testing.T) {
	h := newHarness(t, testEngineConfig(), 100)
	require.NoError(t, h.engine.Start("dev-1", "steady", &Constant{Level: 30}, 0))
	require.NoError(t, h.engine.Start("dev-2", "steady", &Constant{Level: 30}, 0))

	h.engine.StopAll()
	assert.False(t, h.engine.Running("dev-1"))
	assert.False(t, h.engine.Running("dev-2"))
}
