// Package simulator provides an in-process protocol adapter with scripted
// latency and failure injection, plus a driver that populates the registry
// with a fleet of fake devices. Used by `haplinkd simulate` and in
// development setups.
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/nexhaptics/haplink/internal/logger"
	"github.com/nexhaptics/haplink/pkg/adapter"
	"github.com/nexhaptics/haplink/pkg/command"
	"github.com/nexhaptics/haplink/pkg/device"
	"github.com/nexhaptics/haplink/pkg/fault"
	"github.com/nexhaptics/haplink/pkg/registry"
)

// Protocol is the registry factory tag for simulated devices.
const Protocol = "simulated"

// Config tunes simulated adapter behavior.
type Config struct {
	// BaseLatency is the simulated wire delay per send.
	BaseLatency time.Duration `mapstructure:"base_latency" yaml:"base_latency"`

	// LatencyJitter adds up to this much random extra delay.
	LatencyJitter time.Duration `mapstructure:"latency_jitter" yaml:"latency_jitter"`

	// FailureRate is the probability [0,1] that a send fails with a
	// transient connection error.
	FailureRate float64 `mapstructure:"failure_rate" validate:"gte=0,lte=1" yaml:"failure_rate"`

	// ConnectFailureRate is the probability [0,1] that a connect attempt
	// fails.
	ConnectFailureRate float64 `mapstructure:"connect_failure_rate" validate:"gte=0,lte=1" yaml:"connect_failure_rate"`
}

// DefaultConfig returns a mild simulation: small latency, no failures.
func DefaultConfig() Config {
	return Config{
		BaseLatency:   5 * time.Millisecond,
		LatencyJitter: 3 * time.Millisecond,
	}
}

// NewFactory returns the adapter factory for simulated devices.
func NewFactory(cfg Config) adapter.Factory {
	return func(deviceID, address string, opts map[string]any) (adapter.Adapter, error) {
		return newSimAdapter(deviceID, cfg), nil
	}
}

// simAdapter is an adapter.Adapter backed by nothing but timers and a
// random number generator.
type simAdapter struct {
	deviceID string
	cfg      Config
	emitter  *adapter.Emitter

	mu     sync.Mutex
	status adapter.Status
	rng    *rand.Rand
	sent   int
}

func newSimAdapter(deviceID string, cfg Config) *simAdapter {
	return &simAdapter{
		deviceID: deviceID,
		cfg:      cfg,
		emitter:  adapter.NewEmitter(deviceID),
		status:   adapter.StatusDisconnected,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (a *simAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	roll := a.rng.Float64()
	a.mu.Unlock()
	if roll < a.cfg.ConnectFailureRate {
		return fault.Newf(fault.KindConnection, "simulated connect failure for %s", a.deviceID)
	}
	if err := a.sleep(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.status = adapter.StatusConnected
	a.mu.Unlock()
	a.emitter.Emit(adapter.EventConnected, nil)
	return nil
}

func (a *simAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	wasConnected := a.status == adapter.StatusConnected
	a.status = adapter.StatusDisconnected
	a.mu.Unlock()
	if wasConnected {
		a.emitter.Emit(adapter.EventDisconnected, nil)
	}
	return nil
}

func (a *simAdapter) Send(ctx context.Context, cmd *command.Command) error {
	a.mu.Lock()
	if a.status != adapter.StatusConnected {
		a.mu.Unlock()
		return fault.Newf(fault.KindConnection, "simulated device %s is not connected", a.deviceID)
	}
	roll := a.rng.Float64()
	a.mu.Unlock()

	if roll < a.cfg.FailureRate {
		return fault.Newf(fault.KindConnection, "simulated send failure for %s", a.deviceID)
	}
	if err := a.sleep(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.sent++
	a.mu.Unlock()

	a.emitter.Emit(adapter.EventStatusChanged, func(ev *adapter.Event) {
		ev.State = map[string]any{
			"kind":      string(cmd.Kind),
			"intensity": cmd.Intensity,
		}
	})
	return nil
}

func (a *simAdapter) Subscribe(l adapter.Listener) func() { return a.emitter.Subscribe(l) }

func (a *simAdapter) Status() adapter.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *simAdapter) Latency() adapter.Latency {
	return adapter.Latency{Network: a.cfg.BaseLatency, Processing: time.Millisecond}
}

// Sent reports how many commands the simulated device accepted.
func (a *simAdapter) Sent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent
}

func (a *simAdapter) sleep(ctx context.Context) error {
	d := a.cfg.BaseLatency
	if a.cfg.LatencyJitter > 0 {
		a.mu.Lock()
		d += time.Duration(a.rng.Int63n(int64(a.cfg.LatencyJitter)))
		a.mu.Unlock()
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fleet drives N simulated devices through the registry.
type Fleet struct {
	reg *registry.Registry
	ids []string
}

// StartFleet admits and connects count simulated devices named
// sim-001..sim-NNN.
func StartFleet(ctx context.Context, reg *registry.Registry, count int) (*Fleet, error) {
	f := &Fleet{reg: reg}
	for i := 1; i <= count; i++ {
		id := fmt.Sprintf("sim-%03d", i)
		_, err := reg.AddOrUpdate(ctx, device.Info{
			ID:           id,
			Kind:         device.KindGenericVibrator,
			Protocol:     Protocol,
			Address:      "sim://" + id,
			Capabilities: []string{"vibrate", "pattern"},
			Firmware:     device.Firmware{Major: 1},
		}, nil)
		if err != nil {
			return nil, err
		}
		if err := reg.Connect(ctx, id); err != nil {
			return nil, err
		}
		f.ids = append(f.ids, id)
	}
	logger.Info("simulated fleet started", logger.KeyCount, count)
	return f, nil
}

// DeviceIDs returns the fleet's device ids in admission order.
func (f *Fleet) DeviceIDs() []string {
	return append([]string(nil), f.ids...)
}

// Stop removes every fleet device from the registry.
func (f *Fleet) Stop(ctx context.Context) {
	for _, id := range f.ids {
		if err := f.reg.Remove(ctx, id); err != nil {
			logger.Warn("failed to remove simulated device",
				logger.KeyDeviceID, id,
				logger.KeyError, err.Error(),
			)
		}
	}
}
