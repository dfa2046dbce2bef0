package pattern

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/nexhaptics/haplink/internal/logger"
	"github.com/nexhaptics/haplink/pkg/command"
	"github.com/nexhaptics/haplink/pkg/fault"
	"github.com/nexhaptics/haplink/pkg/scheduler"
)

// Safety is the engine-wide envelope checked before every emission.
type Safety struct {
	// MaxIntensity trips the pattern when the modified sample exceeds it.
	MaxIntensity float64 `mapstructure:"max_intensity" validate:"gt=0,lte=100" yaml:"max_intensity"`

	// MaxDuration trips the pattern when it has run this long.
	MaxDuration time.Duration `mapstructure:"max_duration" validate:"min=1s" yaml:"max_duration"`

	// Cooldown is the minimum gap between a stop and the next start on
	// the same device.
	Cooldown time.Duration `mapstructure:"cooldown_period" yaml:"cooldown_period"`

	// MaxModifier caps the combined modifier factor.
	MaxModifier float64 `mapstructure:"max_intensity_fraction" yaml:"max_intensity_fraction"`
}

// DefaultSafety returns production defaults.
func DefaultSafety() Safety {
	return Safety{
		MaxIntensity: 100,
		MaxDuration:  30 * time.Minute,
		Cooldown:     time.Second,
		MaxModifier:  2.0,
	}
}

// Submitter hands commands to the command processor.
type Submitter interface {
	Submit(cmd *command.Command) error
}

// CapFunc resolves a device's intensity cap; false means unknown device.
type CapFunc func(deviceID string) (float64, bool)

// OffsetFunc returns the device's latency compensation offset.
type OffsetFunc func(deviceID string) time.Duration

// EventKind enumerates engine lifecycle events.
type EventKind string

const (
	EventStarted    EventKind = "patternStarted"
	EventStopped    EventKind = "patternStopped"
	EventSafetyTrip EventKind = "safetyThresholdExceeded"
)

// Event is an engine notification.
type Event struct {
	Kind     EventKind
	DeviceID string
	Pattern  string
	At       time.Time
	Reason   string
}

// Config tunes the engine.
type Config struct {
	Safety Safety `mapstructure:"safety" yaml:"safety"`

	// TickResolution is the default tick interval; per-start resolutions
	// above it are lowered to it.
	TickResolution time.Duration `mapstructure:"tick_resolution" validate:"min=1ms" yaml:"tick_resolution"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Safety:         DefaultSafety(),
		TickResolution: 50 * time.Millisecond,
	}
}

// Engine runs at most one pattern instance per device, streaming tick
// commands through the processor with latency compensation and safety
// enforcement.
type Engine struct {
	cfg    Config
	sched  *scheduler.Scheduler
	submit Submitter
	cap    CapFunc
	offset OffsetFunc

	// Listener receives engine events; nil drops them. Set before Start.
	Listener func(Event)

	mu        sync.Mutex
	instances map[string]*instance
	lastStop  map[string]time.Time
}

type instance struct {
	deviceID string
	name     string
	pattern  Pattern
	mods     *Modifiers

	startedAt time.Time
	lastTick  time.Time

	// pos is the warped pattern position: real deltas scaled by the
	// media drift warp.
	pos time.Duration

	cancel context.CancelFunc
	task   *scheduler.Task
}

// NewEngine creates an engine. offset may be nil for no compensation.
func NewEngine(cfg Config, sched *scheduler.Scheduler, submit Submitter, capf CapFunc, offset OffsetFunc) *Engine {
	if offset == nil {
		offset = func(string) time.Duration { return 0 }
	}
	return &Engine{
		cfg:       cfg,
		sched:     sched,
		submit:    submit,
		cap:       capf,
		offset:    offset,
		instances: make(map[string]*instance),
		lastStop:  make(map[string]time.Time),
	}
}

// Start begins streaming a pattern to a device. At most one instance per
// device; a second start fails with device-busy. The cooldown period
// since the device's last stop must have elapsed.
func (e *Engine) Start(deviceID, name string, p Pattern, resolution time.Duration) error {
	if _, ok := e.cap(deviceID); !ok {
		return fault.Newf(fault.KindDeviceNotFound, "unknown device %s", deviceID)
	}
	if resolution <= 0 || resolution > e.cfg.TickResolution {
		resolution = e.cfg.TickResolution
	}
	now := e.sched.Now()

	e.mu.Lock()
	if _, running := e.instances[deviceID]; running {
		e.mu.Unlock()
		return fault.Newf(fault.KindDeviceBusy, "pattern already running on %s", deviceID)
	}
	if last, ok := e.lastStop[deviceID]; ok && e.cfg.Safety.Cooldown > 0 {
		if since := now.Sub(last); since < e.cfg.Safety.Cooldown {
			e.mu.Unlock()
			return fault.New(fault.KindValidation, "cooldown period not elapsed").
				WithDetail("remaining_ms", (e.cfg.Safety.Cooldown - since).Milliseconds())
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		deviceID:  deviceID,
		name:      name,
		pattern:   p,
		mods:      NewModifiers(e.cfg.Safety.MaxModifier),
		startedAt: now,
		lastTick:  now,
		cancel:    cancel,
	}
	e.instances[deviceID] = inst
	e.mu.Unlock()

	inst.task = e.sched.Every(ctx, resolution, func(tick time.Time) {
		e.tick(inst, tick)
	})

	e.emit(Event{Kind: EventStarted, DeviceID: deviceID, Pattern: name, At: now})
	logger.Info("pattern started",
		logger.KeyDeviceID, deviceID,
		logger.KeyPattern, name,
	)
	return nil
}

// Stop halts the device's pattern: the tick task is cancelled, a
// zero-intensity stop command is issued, and the stop time is recorded
// for cooldown. Stopping an idle device is a no-op.
func (e *Engine) Stop(deviceID string) {
	e.stop(deviceID, "", false)
}

// Running reports whether a pattern instance exists for the device.
func (e *Engine) Running(deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.instances[deviceID]
	return ok
}

// StopAll halts every running instance.
func (e *Engine) StopAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.instances))
	for id := range e.instances {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.Stop(id)
	}
}

// MediaUpdate feeds a media position for the device's running pattern.
func (e *Engine) MediaUpdate(deviceID string, mediaPos time.Duration) {
	e.mu.Lock()
	inst := e.instances[deviceID]
	var pos time.Duration
	if inst != nil {
		pos = inst.pos
	}
	e.mu.Unlock()
	if inst != nil {
		inst.mods.MediaUpdate(mediaPos, pos)
	}
}

// SetBiometricBaseline sets the resting levels for the device's pattern.
func (e *Engine) SetBiometricBaseline(deviceID string, arousal, heartRate float64) {
	if inst := e.lookup(deviceID); inst != nil {
		inst.mods.SetBiometricBaseline(arousal, heartRate)
	}
}

// BiometricUpdate feeds a biometric sample.
func (e *Engine) BiometricUpdate(deviceID string, arousal, heartRate float64) {
	if inst := e.lookup(deviceID); inst != nil {
		inst.mods.BiometricUpdate(arousal, heartRate)
	}
}

// SpatialUpdate feeds a spatial sample.
func (e *Engine) SpatialUpdate(deviceID string, proximity, velocity float64) {
	if inst := e.lookup(deviceID); inst != nil {
		inst.mods.SpatialUpdate(proximity, velocity)
	}
}

func (e *Engine) lookup(deviceID string) *instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instances[deviceID]
}

// tick advances the instance clock and emits one compensated command.
func (e *Engine) tick(inst *instance, now time.Time) {
	e.mu.Lock()
	if e.instances[inst.deviceID] != inst {
		e.mu.Unlock()
		return
	}
	delta := now.Sub(inst.lastTick)
	inst.lastTick = now
	if delta > 0 {
		inst.pos += time.Duration(float64(delta) * inst.mods.Warp())
	}
	pos := inst.pos
	elapsed := now.Sub(inst.startedAt)
	e.mu.Unlock()

	if e.cfg.Safety.MaxDuration > 0 && elapsed >= e.cfg.Safety.MaxDuration {
		e.trip(inst, "maximum pattern duration reached")
		return
	}

	if d := inst.pattern.Duration(); d > 0 && pos >= d {
		e.stop(inst.deviceID, "", false)
		return
	}

	sampleAt := pos + e.offset(inst.deviceID)
	raw := inst.pattern.IntensityAt(sampleAt) * inst.mods.Factor()

	if raw > e.cfg.Safety.MaxIntensity {
		e.trip(inst, "intensity above safety threshold")
		return
	}

	capLevel, ok := e.cap(inst.deviceID)
	if !ok {
		e.stop(inst.deviceID, "device removed", false)
		return
	}
	intensity := math.Min(math.Max(raw, 0), capLevel)

	cmd := command.New(inst.deviceID, command.KindVibrate, intensity)
	cmd.Priority = command.PriorityHigh
	if err := e.submit.Submit(cmd); err != nil {
		logger.Warn("pattern tick rejected",
			logger.KeyDeviceID, inst.deviceID,
			logger.KeyPattern, inst.name,
			logger.KeyError, err.Error(),
		)
	}
}

// trip stops the pattern for a safety violation and emits a safety event
// ahead of the stop notification.
func (e *Engine) trip(inst *instance, reason string) {
	e.emit(Event{
		Kind:     EventSafetyTrip,
		DeviceID: inst.deviceID,
		Pattern:  inst.name,
		At:       e.sched.Now(),
		Reason:   reason,
	})
	logger.Warn("pattern safety trip",
		logger.KeyDeviceID, inst.deviceID,
		logger.KeyPattern, inst.name,
		logger.KeyReason, reason,
	)
	e.stop(inst.deviceID, reason, true)
}

func (e *Engine) stop(deviceID, reason string, tripped bool) {
	now := e.sched.Now()

	e.mu.Lock()
	inst := e.instances[deviceID]
	if inst == nil {
		e.mu.Unlock()
		return
	}
	delete(e.instances, deviceID)
	e.lastStop[deviceID] = now
	e.mu.Unlock()

	inst.cancel()

	stop := command.New(deviceID, command.KindStop, 0)
	stop.Priority = command.PriorityCritical
	if err := e.submit.Submit(stop); err != nil {
		logger.Error("failed to issue stop command",
			logger.KeyDeviceID, deviceID,
			logger.KeyError, err.Error(),
		)
	}

	e.emit(Event{
		Kind:     EventStopped,
		DeviceID: deviceID,
		Pattern:  inst.name,
		At:       now,
		Reason:   reason,
	})
	if !tripped {
		logger.Info("pattern stopped",
			logger.KeyDeviceID, deviceID,
			logger.KeyPattern, inst.name,
		)
	}
}

func (e *Engine) emit(ev Event) {
	if e.Listener != nil {
		e.Listener(ev)
	}
}
