package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexhaptics/haplink/internal/logger"
	"github.com/nexhaptics/haplink/pkg/fault"
	"github.com/nexhaptics/haplink/pkg/scheduler"
	"github.com/nexhaptics/haplink/pkg/store"
)

// Config tunes the pipeline.
type Config struct {
	// BufferSize bounds the ingest ring. When full the oldest point is
	// dropped and counted.
	BufferSize int `mapstructure:"buffer_size" validate:"min=1" yaml:"buffer_size"`

	// BatchSize bounds one store write per flush pass.
	BatchSize int `mapstructure:"batch_size" validate:"min=1" yaml:"batch_size"`

	// FlushInterval is the cadence of the flusher task.
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`

	// AlertInterval is the cadence of windowed alert evaluation.
	AlertInterval time.Duration `mapstructure:"alert_interval" yaml:"alert_interval"`

	// RetentionDays bounds how long points, aggregates, and alerts are
	// kept.
	RetentionDays int `mapstructure:"retention_days" validate:"min=1" yaml:"retention_days"`

	// RetentionInterval is the cadence of the retention sweep.
	RetentionInterval time.Duration `mapstructure:"retention_interval" yaml:"retention_interval"`

	// Prefix namespaces the store keys.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:        1024,
		BatchSize:         100,
		FlushInterval:     time.Second,
		AlertInterval:     30 * time.Second,
		RetentionDays:     30,
		RetentionInterval: time.Hour,
		Prefix:            "telemetry",
	}
}

// minuteStat is one per-minute aggregate bucket.
type minuteStat struct {
	Count int64 `json:"count"`
	Bytes int64 `json:"bytes"`
}

// Pipeline ingests points without blocking producers and persists them in
// batches. One instance serves the whole process.
type Pipeline struct {
	cfg   Config
	kv    store.KV
	sched *scheduler.Scheduler
	ring  *ring

	// Listener receives triggered alerts. Must not block; set before
	// Start.
	Listener func(Alert)

	mu        sync.Mutex
	rules     []Rule
	lastFired map[string]time.Time
	windows   map[string]*window
	alerts    []Alert

	seq     atomic.Uint64
	dropped atomic.Uint64

	tasksMu sync.Mutex
	tasks   []*scheduler.Task
}

// New creates a Pipeline over kv. Start must be called before points flow.
func New(cfg Config, kv store.KV, sched *scheduler.Scheduler) *Pipeline {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = def.AlertInterval
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = def.RetentionInterval
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	return &Pipeline{
		cfg:       cfg,
		kv:        kv,
		sched:     sched,
		ring:      newRing(cfg.BufferSize),
		lastFired: make(map[string]time.Time),
		windows:   make(map[string]*window),
	}
}

// AddRule registers an alert rule. Rules are evaluated inline on every
// matching point and over windows at the alert interval.
func (p *Pipeline) AddRule(r Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.rules = append(p.rules, r)
	p.mu.Unlock()
	return nil
}

// Track ingests a point. Never blocks: a full ring drops its oldest point
// and counts the drop. A zero timestamp is stamped with the current time.
func (p *Pipeline) Track(pt Point) {
	if pt.Timestamp.IsZero() {
		pt.Timestamp = p.sched.Now()
	}
	if p.ring.push(pt) {
		p.dropped.Add(1)
	}
	p.evaluateInline(pt)
}

// Dropped returns the total number of points dropped since creation.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// Start launches the flush, windowed-alert, and retention tasks.
func (p *Pipeline) Start(ctx context.Context) {
	p.tasksMu.Lock()
	defer p.tasksMu.Unlock()
	p.tasks = append(p.tasks,
		p.sched.Every(ctx, p.cfg.FlushInterval, func(time.Time) {
			if err := p.Flush(ctx); err != nil {
				logger.Warn("telemetry flush failed", "error", err)
			}
		}),
		p.sched.Every(ctx, p.cfg.AlertInterval, func(now time.Time) {
			p.evaluateWindows(now)
		}),
		p.sched.Every(ctx, p.cfg.RetentionInterval, func(now time.Time) {
			if _, err := p.Sweep(ctx, now); err != nil {
				logger.Warn("telemetry retention sweep failed", "error", err)
			}
		}),
	)
}

// Close stops the periodic tasks and flushes whatever is buffered.
func (p *Pipeline) Close(ctx context.Context) error {
	p.tasksMu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.tasksMu.Unlock()
	for _, t := range tasks {
		t.Stop()
	}
	return p.Flush(ctx)
}

// Flush drains the ring and persists points, aggregates, and pending
// alerts. Safe to call concurrently with Track.
func (p *Pipeline) Flush(ctx context.Context) error {
	if d := p.ring.takeDropped(); d > 0 {
		p.ring.push(Point{
			Kind:      KindPipeline,
			Source:    "pipeline",
			Timestamp: p.sched.Now(),
			Values:    map[string]float64{"dropped": float64(d)},
		})
	}

	for {
		batch := p.ring.drain(p.cfg.BatchSize)
		if len(batch) == 0 {
			break
		}
		if err := p.writeBatch(ctx, batch); err != nil {
			return err
		}
	}
	return p.flushAlerts(ctx)
}

func (p *Pipeline) writeBatch(ctx context.Context, batch []Point) error {
	stats := make(map[string]*minuteStat)
	for _, pt := range batch {
		data, err := json.Marshal(pt)
		if err != nil {
			return fault.Wrap(fault.KindUnknown, "encode telemetry point", err)
		}
		key := p.pointKey(pt)
		if err := p.kv.Put(ctx, key, data); err != nil {
			return fault.Wrap(fault.KindResource, "persist telemetry point", err)
		}

		sk := p.statKey(pt.Timestamp, pt.Kind)
		st := stats[string(sk)]
		if st == nil {
			st = &minuteStat{}
			if prev, err := p.kv.Get(ctx, sk); err == nil {
				_ = json.Unmarshal(prev, st)
			}
			stats[string(sk)] = st
		}
		st.Count++
		st.Bytes += int64(len(data))
	}

	for key, st := range stats {
		data, err := json.Marshal(st)
		if err != nil {
			return fault.Wrap(fault.KindUnknown, "encode telemetry aggregate", err)
		}
		if err := p.kv.Put(ctx, []byte(key), data); err != nil {
			return fault.Wrap(fault.KindResource, "persist telemetry aggregate", err)
		}
	}
	return nil
}

func (p *Pipeline) flushAlerts(ctx context.Context) error {
	p.mu.Lock()
	alerts := p.alerts
	p.alerts = nil
	p.mu.Unlock()

	for _, a := range alerts {
		data, err := json.Marshal(a)
		if err != nil {
			return fault.Wrap(fault.KindUnknown, "encode alert", err)
		}
		key := fmt.Sprintf("%s:alert:%013d:%s:%06d",
			p.cfg.Prefix, a.Timestamp.UnixMilli(), a.Rule.Kind, p.seq.Add(1))
		if err := p.kv.Put(ctx, []byte(key), data); err != nil {
			return fault.Wrap(fault.KindResource, "persist alert", err)
		}
	}
	return nil
}

// evaluateInline checks every rule against a single point and accumulates
// the point into rule windows.
func (p *Pipeline) evaluateInline(pt Point) {
	p.mu.Lock()
	var fired []Alert
	for _, r := range p.rules {
		if r.Kind != pt.Kind {
			continue
		}
		v, ok := pt.Values[r.Field]
		if !ok {
			continue
		}

		k := r.key()
		w := p.windows[k]
		if w == nil {
			w = &window{}
			p.windows[k] = w
		}
		w.add(v)

		if r.Op.eval(v, r.Threshold) {
			if a, ok := p.fireLocked(r, v, pt.Source, false, pt.Timestamp); ok {
				fired = append(fired, a)
			}
		}
	}
	listener := p.Listener
	p.mu.Unlock()

	if listener != nil {
		for _, a := range fired {
			listener(a)
		}
	}
}

// evaluateWindows applies each rule to the mean of its window since the
// previous interval.
func (p *Pipeline) evaluateWindows(now time.Time) {
	p.mu.Lock()
	var fired []Alert
	for _, r := range p.rules {
		k := r.key()
		w := p.windows[k]
		if w == nil {
			continue
		}
		mean, ok := w.mean()
		p.windows[k] = &window{}
		if !ok || !r.Op.eval(mean, r.Threshold) {
			continue
		}
		if a, ok := p.fireLocked(r, mean, "window", true, now); ok {
			fired = append(fired, a)
		}
	}
	listener := p.Listener
	p.mu.Unlock()

	if listener != nil {
		for _, a := range fired {
			listener(a)
		}
	}
}

// fireLocked records an alert unless the rule is inside its cooldown.
// Callers hold p.mu.
func (p *Pipeline) fireLocked(r Rule, v float64, source string, windowed bool, now time.Time) (Alert, bool) {
	k := r.key()
	if r.Cooldown > 0 {
		if last, ok := p.lastFired[k]; ok && now.Sub(last) < r.Cooldown {
			return Alert{}, false
		}
	}
	p.lastFired[k] = now
	a := Alert{Rule: r, Value: v, Source: source, Windowed: windowed, Timestamp: now}
	p.alerts = append(p.alerts, a)
	return a, true
}

// Sweep deletes points, aggregates, and alerts older than the retention
// horizon. Returns the number of keys removed.
func (p *Pipeline) Sweep(ctx context.Context, now time.Time) (int, error) {
	horizon := now.Add(-time.Duration(p.cfg.RetentionDays) * 24 * time.Hour)
	horizonMs := horizon.UnixMilli()
	horizonMin := horizon.Truncate(time.Minute).Unix()

	total := 0
	for _, c := range []struct {
		prefix string
		cutoff int64
	}{
		{p.cfg.Prefix + ":point:", horizonMs},
		{p.cfg.Prefix + ":alert:", horizonMs},
		{p.cfg.Prefix + ":stats:", horizonMin},
	} {
		cutoff := c.cutoff
		prefix := []byte(c.prefix)
		n, err := p.kv.DeletePrefix(ctx, prefix, func(key, _ []byte) bool {
			ts, ok := keyTimestamp(key, len(prefix))
			return ok && ts < cutoff
		})
		if err != nil {
			return total, fault.Wrap(fault.KindResource, "telemetry retention sweep", err)
		}
		total += n
	}
	if total > 0 {
		logger.Debug("telemetry retention sweep", "removed", total)
	}
	return total, nil
}

func (p *Pipeline) pointKey(pt Point) []byte {
	return []byte(fmt.Sprintf("%s:point:%013d:%s:%s:%06d",
		p.cfg.Prefix, pt.Timestamp.UnixMilli(), pt.Kind, pt.Source, p.seq.Add(1)))
}

func (p *Pipeline) statKey(ts time.Time, kind string) []byte {
	return []byte(fmt.Sprintf("%s:stats:%012d:%s",
		p.cfg.Prefix, ts.Truncate(time.Minute).Unix(), kind))
}

// keyTimestamp parses the numeric segment that follows the key prefix.
func keyTimestamp(key []byte, offset int) (int64, bool) {
	rest := key[offset:]
	end := 0
	for end < len(rest) && rest[end] != ':' {
		end++
	}
	ts, err := strconv.ParseInt(string(rest[:end]), 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
