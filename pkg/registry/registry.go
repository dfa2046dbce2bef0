// Package registry is the source of truth for device records. It binds
// each online device to exactly one protocol adapter instance, persists
// records to the key-value store, and runs the lifecycle sweep.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/nexhaptics/haplink/internal/logger"
	"github.com/nexhaptics/haplink/pkg/adapter"
	"github.com/nexhaptics/haplink/pkg/adapter/batching"
	"github.com/nexhaptics/haplink/pkg/command"
	"github.com/nexhaptics/haplink/pkg/device"
	"github.com/nexhaptics/haplink/pkg/fault"
	"github.com/nexhaptics/haplink/pkg/scheduler"
	"github.com/nexhaptics/haplink/pkg/store"
)

// EventKind enumerates registry events.
type EventKind string

const (
	EventAdded        EventKind = "deviceAdded"
	EventUpdated      EventKind = "deviceUpdated"
	EventRemoved      EventKind = "deviceRemoved"
	EventConnected    EventKind = "deviceConnected"
	EventDisconnected EventKind = "deviceDisconnected"
)

// Event is a registry notification carrying a snapshot of the record.
type Event struct {
	Kind   EventKind
	Device device.Record
	At     time.Time
}

// Listener receives registry events.
type Listener func(Event)

// Config tunes the registry.
type Config struct {
	// ConnectRetries is the number of connect attempts per Connect call.
	ConnectRetries int `mapstructure:"connect_retries" validate:"min=1" yaml:"connect_retries"`

	// ReconnectDelay is the gap between connect attempts.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`

	// MaxErrorCount transitions the device to error when exceeded.
	MaxErrorCount int `mapstructure:"max_error_count" validate:"min=1" yaml:"max_error_count"`

	// StaleTimeout force-disconnects online devices not seen for this long.
	StaleTimeout time.Duration `mapstructure:"stale_timeout" yaml:"stale_timeout"`

	// SweepInterval is the lifecycle sweep cadence; 0 disables the sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// AutoConnect connects enabled devices on admission.
	AutoConnect bool `mapstructure:"auto_connect" yaml:"auto_connect"`

	// StorePrefix namespaces persisted device records.
	StorePrefix string `mapstructure:"store_prefix" yaml:"store_prefix"`

	// Batching coalesces send bursts on adapters that support batch
	// frames. Zero BatchSize leaves every adapter unwrapped.
	Batching batching.Config `mapstructure:"batching" yaml:"batching"`

	// Breaker guards each device's adapter sends. While OPEN, sends fail
	// fast with a CIRCUIT_OPEN fault instead of touching the wire.
	Breaker fault.BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConnectRetries: 3,
		ReconnectDelay: time.Second,
		MaxErrorCount:  5,
		StaleTimeout:   2 * time.Minute,
		SweepInterval:  30 * time.Second,
		StorePrefix:    "device:",
	}
}

type entry struct {
	record      *device.Record
	adapter     adapter.Adapter
	breaker     *fault.Breaker
	unsubscribe func()
}

// Registry owns device records and adapter bindings.
type Registry struct {
	cfg       Config
	kv        store.KV
	sched     *scheduler.Scheduler
	factories map[string]adapter.Factory

	// Reporter, when set, receives connect and send failures for
	// deduplicated logging. Set before Start.
	Reporter func(error)

	mu        sync.RWMutex
	devices   map[string]*entry
	listeners []Listener

	sweepTask *scheduler.Task
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a registry backed by kv. Factories map protocol tags to
// adapter constructors.
func New(cfg Config, kv store.KV, sched *scheduler.Scheduler, factories map[string]adapter.Factory) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:       cfg,
		kv:        kv,
		sched:     sched,
		factories: factories,
		devices:   make(map[string]*entry),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Load restores persisted records. All devices start offline; adapter
// bindings never survive a restart.
func (r *Registry) Load(ctx context.Context) error {
	return r.kv.Scan(ctx, []byte(r.cfg.StorePrefix), func(key, value []byte) (bool, error) {
		rec, err := device.Unmarshal(value)
		if err != nil {
			logger.Warn("skipping undecodable device record",
				"key", string(key),
				logger.KeyError, err.Error(),
			)
			return true, nil
		}
		rec.Status = device.StatusOffline
		r.mu.Lock()
		r.devices[rec.Info.ID] = &entry{record: rec}
		r.mu.Unlock()
		return true, nil
	})
}

// Start launches the lifecycle sweep.
func (r *Registry) Start() {
	if r.cfg.SweepInterval <= 0 {
		return
	}
	r.sweepTask = r.sched.Every(r.ctx, r.cfg.SweepInterval, r.sweep)
}

// Close stops the sweep and disconnects every device.
func (r *Registry) Close(ctx context.Context) {
	r.cancel()
	if r.sweepTask != nil {
		r.sweepTask.Stop()
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		_ = r.Disconnect(ctx, id)
	}
}

// Subscribe registers a listener for registry events.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// AddOrUpdate inserts or merges a device record. Merging preserves the
// existing record's last-connected time, error count, and enabled flag.
// When auto-connect is on and the device is enabled, a connect is
// attempted in the background.
func (r *Registry) AddOrUpdate(ctx context.Context, info device.Info, cfg *device.Config) (*device.Record, error) {
	if info.ID == "" {
		return nil, fault.New(fault.KindValidation, "device id required")
	}
	if _, ok := r.factories[info.Protocol]; !ok {
		return nil, fault.Newf(fault.KindValidation, "unknown protocol %q", info.Protocol)
	}

	now := r.sched.Now()
	r.mu.Lock()
	e, existed := r.devices[info.ID]
	if existed {
		e.record.Info = info
		e.record.LastSeen = now
		if cfg != nil {
			e.record.Config = *cfg
		}
	} else {
		rcfg := device.DefaultConfig()
		if cfg != nil {
			rcfg = *cfg
		}
		rec := device.NewRecord(info, rcfg)
		rec.LastSeen = now
		e = &entry{record: rec}
		r.devices[info.ID] = e
	}
	snapshot := e.record.Clone()
	enabled := e.record.Enabled
	r.mu.Unlock()

	if err := r.persist(ctx, snapshot); err != nil {
		return nil, err
	}

	kind := EventAdded
	if existed {
		kind = EventUpdated
	}
	r.emit(kind, snapshot)

	if r.cfg.AutoConnect && enabled && !existed {
		go func() {
			if err := r.Connect(r.ctx, info.ID); err != nil {
				logger.Warn("auto-connect failed",
					logger.KeyDeviceID, info.ID,
					logger.KeyError, err.Error(),
				)
			}
		}()
	}
	return snapshot, nil
}

// Remove disconnects the device, deletes its persisted record, and drops
// the adapter binding.
func (r *Registry) Remove(ctx context.Context, id string) error {
	_ = r.Disconnect(ctx, id)

	r.mu.Lock()
	e, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fault.Newf(fault.KindDeviceNotFound, "device %s not found", id)
	}
	delete(r.devices, id)
	snapshot := e.record.Clone()
	r.mu.Unlock()

	if err := r.kv.Delete(ctx, r.key(id)); err != nil {
		return fault.Wrap(fault.KindResource, "failed to delete device record", err)
	}
	r.emit(EventRemoved, snapshot)
	return nil
}

// Connect binds an adapter to the device and opens its wire, retrying up
// to the configured budget. Success resets the error counter.
func (r *Registry) Connect(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fault.Newf(fault.KindDeviceNotFound, "device %s not found", id)
	}
	if !e.record.Enabled {
		r.mu.Unlock()
		return fault.Newf(fault.KindValidation, "device %s is disabled", id)
	}
	if e.record.Status == device.StatusOnline && e.adapter != nil {
		r.mu.Unlock()
		return nil
	}
	info := e.record.Info
	ad := e.adapter
	r.mu.Unlock()

	if ad == nil {
		factory := r.factories[info.Protocol]
		var err error
		ad, err = factory(info.ID, info.Address, nil)
		if err != nil {
			return fault.Wrap(fault.KindConfiguration, "adapter construction failed", err)
		}
		ad = batching.Wrap(ad, r.cfg.Batching)
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.ConnectRetries; attempt++ {
		lastErr = ad.Connect(ctx)
		if lastErr == nil {
			break
		}
		logger.Warn("device connect attempt failed",
			logger.KeyDeviceID, id,
			logger.KeyAttempt, attempt,
			logger.KeyError, lastErr.Error(),
		)
		if attempt < r.cfg.ConnectRetries {
			if err := r.sched.Sleep(ctx, r.cfg.ReconnectDelay); err != nil {
				lastErr = err
				break
			}
		}
	}

	now := r.sched.Now()
	r.mu.Lock()
	if lastErr != nil {
		e.record.LastError = lastErr.Error()
		e.record.ErrorCount++
		if e.record.ErrorCount > r.cfg.MaxErrorCount {
			e.record.Status = device.StatusError
		}
		snapshot := e.record.Clone()
		r.mu.Unlock()
		_ = r.persist(ctx, snapshot)
		r.emit(EventUpdated, snapshot)
		ferr := fault.Wrap(fault.KindConnection, "device connect failed", lastErr).
			WithDetail("attempts", r.cfg.ConnectRetries)
		r.report(ferr)
		return ferr
	}

	unsubscribe := ad.Subscribe(func(ev adapter.Event) { r.onAdapterEvent(id, ev) })
	e.adapter = ad
	if e.breaker == nil {
		e.breaker = fault.NewBreaker("adapter:"+id, r.cfg.Breaker)
	}
	e.unsubscribe = unsubscribe
	e.record.Status = device.StatusOnline
	e.record.LastSeen = now
	e.record.LastConnected = now
	e.record.ErrorCount = 0
	e.record.LastError = ""
	snapshot := e.record.Clone()
	r.mu.Unlock()

	_ = r.persist(ctx, snapshot)
	r.emit(EventConnected, snapshot)
	logger.Info("device online",
		logger.KeyDeviceID, id,
		logger.KeyProtocol, info.Protocol,
	)
	return nil
}

// Disconnect tears down the adapter binding and marks the device offline.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fault.Newf(fault.KindDeviceNotFound, "device %s not found", id)
	}
	ad := e.adapter
	unsub := e.unsubscribe
	e.adapter = nil
	e.unsubscribe = nil
	wasOnline := e.record.Status == device.StatusOnline
	if wasOnline || e.record.Status == device.StatusError {
		e.record.Status = device.StatusOffline
	}
	snapshot := e.record.Clone()
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if ad != nil {
		_ = ad.Disconnect(ctx)
	}
	if wasOnline {
		_ = r.persist(ctx, snapshot)
		r.emit(EventDisconnected, snapshot)
	}
	return nil
}

// SetEnabled flips the enabled flag. Disabling an online device
// disconnects it first; its state becomes disabled.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	e, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fault.Newf(fault.KindDeviceNotFound, "device %s not found", id)
	}
	online := e.record.Status == device.StatusOnline
	r.mu.Unlock()

	if !enabled && online {
		_ = r.Disconnect(ctx, id)
	}

	r.mu.Lock()
	e.record.Enabled = enabled
	if !enabled {
		e.record.Status = device.StatusDisabled
	} else if e.record.Status == device.StatusDisabled {
		e.record.Status = device.StatusOffline
	}
	snapshot := e.record.Clone()
	r.mu.Unlock()

	if err := r.persist(ctx, snapshot); err != nil {
		return err
	}
	r.emit(EventUpdated, snapshot)
	return nil
}

// Send routes a command to the device's adapter through its circuit
// breaker. Adapter errors bump the error counter; crossing the threshold
// moves the device to error. Breaker-open failures never touch the wire
// and do not count against the device.
func (r *Registry) Send(ctx context.Context, cmd *command.Command) error {
	r.mu.RLock()
	e, ok := r.devices[cmd.DeviceID]
	var ad adapter.Adapter
	var br *fault.Breaker
	if ok {
		ad = e.adapter
		br = e.breaker
	}
	r.mu.RUnlock()

	if !ok {
		return fault.Newf(fault.KindDeviceNotFound, "device %s not found", cmd.DeviceID)
	}
	if ad == nil {
		return fault.Newf(fault.KindConnection, "device %s is not connected", cmd.DeviceID)
	}

	err := br.Execute(func() error { return ad.Send(ctx, cmd) })
	if err != nil {
		if !fault.IsOpen(err) {
			r.bumpError(ctx, cmd.DeviceID, err)
		}
		r.report(err)
		return err
	}

	r.mu.Lock()
	e.record.LastSeen = r.sched.Now()
	r.mu.Unlock()
	return nil
}

// Get returns a snapshot of the device record.
func (r *Registry) Get(id string) (*device.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	return e.record.Clone(), true
}

// AdapterFor returns the bound adapter, if any.
func (r *Registry) AdapterFor(id string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok || e.adapter == nil {
		return nil, false
	}
	return e.adapter, true
}

// List returns snapshots of all records.
func (r *Registry) List() []*device.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*device.Record, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e.record.Clone())
	}
	return out
}

// Limits adapts the registry to the command processor's safety lookup.
func (r *Registry) Limits(id string) (command.Limits, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return command.Limits{}, false
	}
	cfg := e.record.Config
	return command.Limits{
		IntensityCap:   cfg.IntensityCap,
		PatternAllowed: cfg.PatternAllowed,
	}, true
}

// LatencyOffset reports the device's current latency compensation offset.
func (r *Registry) LatencyOffset(id string) time.Duration {
	if ad, ok := r.AdapterFor(id); ok {
		return ad.Latency().Offset()
	}
	return 0
}

// sweep is the lifecycle pass: stale online devices are force-
// disconnected, devices over the error budget are marked error.
func (r *Registry) sweep(now time.Time) {
	type action struct {
		id    string
		stale bool
	}
	var actions []action

	r.mu.RLock()
	for id, e := range r.devices {
		switch {
		case e.record.Status == device.StatusOnline &&
			r.cfg.StaleTimeout > 0 &&
			now.Sub(e.record.LastSeen) > r.cfg.StaleTimeout:
			actions = append(actions, action{id: id, stale: true})
		case e.record.Status != device.StatusError &&
			e.record.ErrorCount > r.cfg.MaxErrorCount:
			actions = append(actions, action{id: id})
		}
	}
	r.mu.RUnlock()

	for _, a := range actions {
		if a.stale {
			logger.Warn("force-disconnecting stale device", logger.KeyDeviceID, a.id)
			_ = r.Disconnect(r.ctx, a.id)
			continue
		}
		r.mu.Lock()
		e, ok := r.devices[a.id]
		if !ok {
			r.mu.Unlock()
			continue
		}
		e.record.Status = device.StatusError
		snapshot := e.record.Clone()
		r.mu.Unlock()
		_ = r.persist(r.ctx, snapshot)
		r.emit(EventUpdated, snapshot)
	}
}

// bumpError increments the device error counter after an adapter failure.
// report forwards a failure to the configured reporter, if any.
func (r *Registry) report(err error) {
	if r.Reporter != nil {
		r.Reporter(err)
	}
}

func (r *Registry) bumpError(ctx context.Context, id string, cause error) {
	r.mu.Lock()
	e, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.record.ErrorCount++
	e.record.LastError = cause.Error()
	crossed := e.record.ErrorCount > r.cfg.MaxErrorCount
	if crossed {
		e.record.Status = device.StatusError
	}
	snapshot := e.record.Clone()
	r.mu.Unlock()

	_ = r.persist(ctx, snapshot)
	if crossed {
		r.emit(EventUpdated, snapshot)
	}
}

// onAdapterEvent reflects adapter lifecycle changes into the record.
func (r *Registry) onAdapterEvent(id string, ev adapter.Event) {
	switch ev.Type {
	case adapter.EventStatusChanged:
		r.mu.Lock()
		if e, ok := r.devices[id]; ok {
			e.record.LastSeen = ev.At
		}
		r.mu.Unlock()
	case adapter.EventDisconnected:
		r.mu.Lock()
		e, ok := r.devices[id]
		if !ok || e.adapter == nil || e.record.Status != device.StatusOnline {
			r.mu.Unlock()
			return
		}
		// The adapter reconnects on its own; reflect offline until it
		// comes back.
		e.record.Status = device.StatusOffline
		snapshot := e.record.Clone()
		r.mu.Unlock()
		r.emit(EventDisconnected, snapshot)
	case adapter.EventConnected:
		r.mu.Lock()
		e, ok := r.devices[id]
		if !ok || e.adapter == nil {
			r.mu.Unlock()
			return
		}
		now := r.sched.Now()
		e.record.Status = device.StatusOnline
		e.record.LastSeen = now
		e.record.LastConnected = now
		snapshot := e.record.Clone()
		r.mu.Unlock()
		r.emit(EventConnected, snapshot)
	case adapter.EventError:
		if ev.Err == nil {
			return
		}
		if fault.CategoryOf(ev.Err) == fault.CategoryPersistent {
			r.mu.Lock()
			e, ok := r.devices[id]
			if !ok {
				r.mu.Unlock()
				return
			}
			e.record.Status = device.StatusError
			e.record.LastError = ev.Err.Error()
			e.record.ErrorCount++
			snapshot := e.record.Clone()
			r.mu.Unlock()
			_ = r.persist(r.ctx, snapshot)
			r.emit(EventUpdated, snapshot)
		}
	}
}

func (r *Registry) key(id string) []byte {
	return []byte(r.cfg.StorePrefix + id)
}

func (r *Registry) persist(ctx context.Context, rec *device.Record) error {
	data, err := rec.Marshal()
	if err != nil {
		return fault.Wrap(fault.KindResource, "failed to encode device record", err)
	}
	if err := r.kv.Put(ctx, r.key(rec.Info.ID), data); err != nil {
		return fault.Wrap(fault.KindResource, "failed to persist device record", err)
	}
	return nil
}

func (r *Registry) emit(kind EventKind, rec *device.Record) {
	r.mu.RLock()
	ls := make([]Listener, len(r.listeners))
	copy(ls, r.listeners)
	r.mu.RUnlock()

	ev := Event{Kind: kind, Device: *rec, At: r.sched.Now()}
	for _, l := range ls {
		l(ev)
	}
}
