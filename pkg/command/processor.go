package command

import (
	"context"
	"sync"
	"time"

	"github.com/nexhaptics/haplink/internal/logger"
	"github.com/nexhaptics/haplink/pkg/fault"
	"github.com/nexhaptics/haplink/pkg/scheduler"
)

// Sender delivers commands over a wire. The device registry's adapters
// satisfy it; batch-capable transports additionally satisfy BatchCapable.
type Sender interface {
	Send(ctx context.Context, cmd *Command) error
}

// BatchCapable is detected at dispatch time; when the sender supports it
// a full batch goes out in one call.
type BatchCapable interface {
	SendBatch(ctx context.Context, cmds []*Command) error
}

// Limits is the per-device safety envelope checked before a command may
// enter the queue.
type Limits struct {
	IntensityCap   float64
	PatternAllowed func(name string) bool
}

// LimitsFunc resolves the safety envelope for a device. Returning false
// means the device is unknown.
type LimitsFunc func(deviceID string) (Limits, bool)

// RateConfig is the per-device token bucket: BurstSize tokens immediately,
// refilled at TokensPerInterval per Interval.
type RateConfig struct {
	TokensPerInterval int           `mapstructure:"tokens_per_interval" validate:"min=1" yaml:"tokens_per_interval"`
	Interval          time.Duration `mapstructure:"interval" validate:"min=1ms" yaml:"interval"`
	BurstSize         int           `mapstructure:"burst_size" validate:"min=1" yaml:"burst_size"`
}

// Config tunes the processor.
type Config struct {
	// BatchSize caps commands per dispatch; 1 disables batching.
	BatchSize int `mapstructure:"batch_size" validate:"min=1" yaml:"batch_size"`

	// BatchTimeout is how long a partial batch waits for more commands.
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`

	// MaxQueueAge drops commands that waited too long.
	MaxQueueAge time.Duration `mapstructure:"max_queue_age" validate:"min=1ms" yaml:"max_queue_age"`

	Rate RateConfig `mapstructure:"rate" yaml:"rate"`

	// MaxAttempts bounds dispatch attempts per command.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1" yaml:"max_attempts"`

	// Retry shapes the delay between attempts.
	Retry fault.Strategy `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    5,
		BatchTimeout: 20 * time.Millisecond,
		MaxQueueAge:  2 * time.Second,
		Rate: RateConfig{
			TokensPerInterval: 10,
			Interval:          100 * time.Millisecond,
			BurstSize:         15,
		},
		MaxAttempts: 3,
		Retry: fault.Strategy{
			Backoff:      fault.BackoffExponential,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Jitter:       true,
		},
	}
}

// Processor serializes, batches, rate-limits, and retries commands per
// device. One worker goroutine per registered device; cross-device
// dispatch runs in parallel.
type Processor struct {
	cfg    Config
	limits LimitsFunc
	clock  scheduler.Clock

	// OnDispatchFailure is invoked after a command exhausts its attempts.
	// The registry uses it to bump the device error counter.
	OnDispatchFailure func(deviceID string, err error)

	// Metrics, when non-nil, records processor activity. Set before
	// Register.
	Metrics Metrics

	mu     sync.Mutex
	queues map[string]*deviceQueue
	closed bool
}

// NewProcessor creates a processor. A nil clock selects the real clock.
func NewProcessor(cfg Config, limits LimitsFunc, clock scheduler.Clock) *Processor {
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	return &Processor{
		cfg:    cfg,
		limits: limits,
		clock:  clock,
		queues: make(map[string]*deviceQueue),
	}
}

// Register creates the device's queue and starts its worker. Idempotent
// per device id; a second registration replaces the sender.
func (p *Processor) Register(deviceID string, sender Sender) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if q, ok := p.queues[deviceID]; ok {
		q.setSender(sender)
		return
	}
	q := newDeviceQueue(p, deviceID, sender)
	p.queues[deviceID] = q
	go q.run()
}

// Deregister drains the device's queue with a device-removed error and
// stops its worker.
func (p *Processor) Deregister(deviceID string) {
	p.mu.Lock()
	q := p.queues[deviceID]
	delete(p.queues, deviceID)
	p.mu.Unlock()
	if q != nil {
		q.close(fault.New(fault.KindDevice, "device removed"))
	}
}

// Submit validates a command and enqueues it. Validation failures resolve
// the command immediately and are returned; the command never enters the
// queue. Replayed session sequence numbers resolve as already handled.
func (p *Processor) Submit(cmd *Command) error {
	if err := p.validate(cmd); err != nil {
		cmd.resolve(err)
		return err
	}

	p.mu.Lock()
	q := p.queues[cmd.DeviceID]
	p.mu.Unlock()
	if q == nil {
		// The device passed validation, so it is known but has no
		// registered sender: it is not connected.
		err := fault.Newf(fault.KindConnection, "device %s is not connected", cmd.DeviceID)
		cmd.resolve(err)
		return err
	}
	if err := q.enqueue(cmd); err != nil {
		return err
	}
	if p.Metrics != nil {
		p.Metrics.CommandEnqueued(string(cmd.Kind), cmd.Priority.String())
		p.Metrics.QueueDepth(cmd.DeviceID, q.depth())
	}
	return nil
}

// CancelSession resolves every queued command belonging to the session
// with a cancelled error. In-flight dispatches complete normally.
func (p *Processor) CancelSession(sessionID string) {
	p.mu.Lock()
	qs := make([]*deviceQueue, 0, len(p.queues))
	for _, q := range p.queues {
		qs = append(qs, q)
	}
	p.mu.Unlock()
	for _, q := range qs {
		q.cancelSession(sessionID)
	}
}

// QueueDepth reports the number of queued commands for a device.
func (p *Processor) QueueDepth(deviceID string) int {
	p.mu.Lock()
	q := p.queues[deviceID]
	p.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.depth()
}

// Close stops every worker and rejects all queued commands.
func (p *Processor) Close() {
	p.mu.Lock()
	p.closed = true
	qs := make([]*deviceQueue, 0, len(p.queues))
	for _, q := range p.queues {
		qs = append(qs, q)
	}
	p.queues = make(map[string]*deviceQueue)
	p.mu.Unlock()
	for _, q := range qs {
		q.close(fault.New(fault.KindCommand, "processor shutting down"))
	}
}

func (p *Processor) validate(cmd *Command) error {
	if cmd.Intensity < 0 || cmd.Intensity > 100 {
		return fault.Newf(fault.KindValidation, "intensity %.1f outside [0,100]", cmd.Intensity)
	}
	limits, ok := p.limits(cmd.DeviceID)
	if !ok {
		return fault.Newf(fault.KindDeviceNotFound, "unknown device %s", cmd.DeviceID)
	}
	if cmd.Intensity > limits.IntensityCap {
		return fault.Newf(fault.KindValidation,
			"intensity %.1f exceeds device cap %.1f", cmd.Intensity, limits.IntensityCap)
	}
	if cmd.Kind == KindPatternStart && limits.PatternAllowed != nil && !limits.PatternAllowed(cmd.Pattern) {
		return fault.Newf(fault.KindValidation, "pattern %q not allowed for device", cmd.Pattern)
	}
	return nil
}

// priorityBands indexes queues by Priority; dispatch order is highest
// band first, FIFO within a band.
const priorityBands = int(PriorityCritical) + 1

type deviceQueue struct {
	p        *Processor
	deviceID string

	mu      sync.Mutex
	sender  Sender
	bands   [priorityBands][]*Command
	lastSeq map[string]uint64
	closed  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	tokens     float64
	lastRefill time.Time
}

func newDeviceQueue(p *Processor, deviceID string, sender Sender) *deviceQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &deviceQueue{
		p:          p,
		deviceID:   deviceID,
		sender:     sender,
		lastSeq:    make(map[string]uint64),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		tokens:     float64(p.cfg.Rate.BurstSize),
		lastRefill: p.clock.Now(),
	}
}

func (q *deviceQueue) setSender(s Sender) {
	q.mu.Lock()
	q.sender = s
	q.mu.Unlock()
}

func (q *deviceQueue) enqueue(cmd *Command) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		err := fault.New(fault.KindDevice, "device removed")
		cmd.resolve(err)
		return err
	}
	if cmd.SessionID != "" && cmd.Seq > 0 {
		if last, ok := q.lastSeq[cmd.SessionID]; ok && cmd.Seq <= last {
			q.mu.Unlock()
			cmd.resolve(nil)
			return nil
		}
		q.lastSeq[cmd.SessionID] = cmd.Seq
	}
	cmd.EnqueuedAt = q.p.clock.Now()
	band := int(cmd.Priority)
	if band < 0 || band >= priorityBands {
		band = int(PriorityNormal)
	}
	q.bands[band] = append(q.bands[band], cmd)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// pushFront re-enqueues a failed command at the head of its band.
func (q *deviceQueue) pushFront(cmd *Command) {
	q.mu.Lock()
	band := int(cmd.Priority)
	q.bands[band] = append([]*Command{cmd}, q.bands[band]...)
	q.mu.Unlock()
}

// pop removes the highest-priority fresh command, resolving aged or
// expired ones with a stale error on the way.
func (q *deviceQueue) pop() *Command {
	now := q.p.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for band := priorityBands - 1; band >= 0; band-- {
		for len(q.bands[band]) > 0 {
			cmd := q.bands[band][0]
			q.bands[band] = q.bands[band][1:]
			if now.Sub(cmd.EnqueuedAt) > q.p.cfg.MaxQueueAge {
				cmd.resolve(fault.New(fault.KindCommand, "command aged out of queue").
					WithDetail("max_queue_age_ms", q.p.cfg.MaxQueueAge.Milliseconds()))
				if q.p.Metrics != nil {
					q.p.Metrics.CommandResolved(string(cmd.Kind), "stale")
				}
				continue
			}
			if !cmd.Deadline.IsZero() && now.After(cmd.Deadline) {
				cmd.resolve(fault.New(fault.KindCommand, "command deadline passed"))
				if q.p.Metrics != nil {
					q.p.Metrics.CommandResolved(string(cmd.Kind), "stale")
				}
				continue
			}
			return cmd
		}
	}
	return nil
}

func (q *deviceQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, b := range q.bands {
		n += len(b)
	}
	return n
}

func (q *deviceQueue) cancelSession(sessionID string) {
	cancelled := fault.New(fault.KindCommand, "session closed")
	q.mu.Lock()
	for band := range q.bands {
		kept := q.bands[band][:0]
		for _, cmd := range q.bands[band] {
			if cmd.SessionID == sessionID {
				cmd.resolve(cancelled)
				if q.p.Metrics != nil {
					q.p.Metrics.CommandResolved(string(cmd.Kind), "cancelled")
				}
				continue
			}
			kept = append(kept, cmd)
		}
		q.bands[band] = kept
	}
	q.mu.Unlock()
}

func (q *deviceQueue) close(cause error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var pending []*Command
	for band := range q.bands {
		pending = append(pending, q.bands[band]...)
		q.bands[band] = nil
	}
	q.mu.Unlock()

	q.cancel()
	for _, cmd := range pending {
		cmd.resolve(cause)
	}
}

// run is the per-device dispatch loop: wait for work, pace on the token
// bucket, assemble a batch, dispatch, retry.
func (q *deviceQueue) run() {
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}

		for {
			if q.ctx.Err() != nil {
				return
			}
			if q.depth() == 0 {
				break
			}
			if err := q.waitForToken(); err != nil {
				return
			}
			batch := q.collectBatch()
			if len(batch) == 0 {
				break
			}
			q.dispatch(batch)
		}
	}
}

// waitForToken blocks until at least one token is available. Callers see
// latency, never loss.
func (q *deviceQueue) waitForToken() error {
	for {
		q.refill()
		q.mu.Lock()
		ok := q.tokens >= 1
		q.mu.Unlock()
		if ok {
			return nil
		}
		perToken := q.p.cfg.Rate.Interval / time.Duration(q.p.cfg.Rate.TokensPerInterval)
		if err := q.p.clock.Sleep(q.ctx, perToken); err != nil {
			return err
		}
	}
}

func (q *deviceQueue) refill() {
	now := q.p.clock.Now()
	q.mu.Lock()
	elapsed := now.Sub(q.lastRefill)
	if elapsed > 0 {
		rate := float64(q.p.cfg.Rate.TokensPerInterval) / float64(q.p.cfg.Rate.Interval)
		q.tokens += rate * float64(elapsed)
		if max := float64(q.p.cfg.Rate.BurstSize); q.tokens > max {
			q.tokens = max
		}
		q.lastRefill = now
	}
	q.mu.Unlock()
}

// collectBatch assembles up to BatchSize commands, waiting up to
// BatchTimeout for a partial batch to fill. Batch size is also limited by
// available tokens; tokens are consumed per command.
func (q *deviceQueue) collectBatch() []*Command {
	q.mu.Lock()
	capacity := int(q.tokens)
	q.mu.Unlock()
	if capacity > q.p.cfg.BatchSize {
		capacity = q.p.cfg.BatchSize
	}
	if capacity < 1 {
		capacity = 1
	}

	var batch []*Command
	first := q.pop()
	if first == nil {
		return nil
	}
	batch = append(batch, first)

	if capacity > 1 && q.p.cfg.BatchTimeout > 0 {
		deadline := time.NewTimer(q.p.cfg.BatchTimeout)
		defer deadline.Stop()
	fill:
		for len(batch) < capacity {
			if next := q.pop(); next != nil {
				batch = append(batch, next)
				continue
			}
			select {
			case <-q.ctx.Done():
				break fill
			case <-deadline.C:
				break fill
			case <-q.wake:
			}
		}
	}

	q.mu.Lock()
	q.tokens -= float64(len(batch))
	q.mu.Unlock()
	return batch
}

// dedupe applies the in-batch collapse rules: consecutive intensity
// updates of the same kind keep only the last, and a pattern start
// followed by a stop for the same pattern cancels both. Collapsed
// commands resolve together with their survivor.
func dedupe(batch []*Command) ([]*Command, map[*Command][]*Command) {
	merged := make(map[*Command][]*Command)
	out := make([]*Command, 0, len(batch))
	for _, cmd := range batch {
		if len(out) > 0 {
			prev := out[len(out)-1]
			switch {
			case isIntensityKind(cmd.Kind) && cmd.Kind == prev.Kind:
				out[len(out)-1] = cmd
				merged[cmd] = append(append(merged[cmd], merged[prev]...), prev)
				delete(merged, prev)
				continue
			case cmd.Kind == KindPatternStop && prev.Kind == KindPatternStart &&
				(cmd.Pattern == "" || cmd.Pattern == prev.Pattern):
				out = out[:len(out)-1]
				prev.resolve(nil)
				for _, m := range merged[prev] {
					m.resolve(nil)
				}
				delete(merged, prev)
				cmd.resolve(nil)
				continue
			}
		}
		out = append(out, cmd)
	}
	return out, merged
}

func isIntensityKind(k Kind) bool {
	return k == KindVibrate || k == KindRotate || k == KindPosition
}

// dispatch sends a deduplicated batch, retrying failures per the
// configured strategy.
func (q *deviceQueue) dispatch(batch []*Command) {
	out, merged := dedupe(batch)
	if len(out) == 0 {
		return
	}

	q.mu.Lock()
	sender := q.sender
	q.mu.Unlock()

	if q.p.Metrics != nil {
		start := q.p.clock.Now()
		defer func() {
			q.p.Metrics.ObserveDispatch(len(out), q.p.clock.Now().Sub(start))
		}()
	}

	var err error
	if bs, ok := sender.(BatchCapable); ok && len(out) > 1 {
		err = bs.SendBatch(q.ctx, out)
		if err == nil {
			for _, cmd := range out {
				q.succeed(cmd, merged)
			}
			return
		}
		for _, cmd := range out {
			q.fail(cmd, merged, err)
		}
		return
	}

	for _, cmd := range out {
		if err = sender.Send(q.ctx, cmd); err != nil {
			q.fail(cmd, merged, err)
			continue
		}
		q.succeed(cmd, merged)
	}
}

func (q *deviceQueue) succeed(cmd *Command, merged map[*Command][]*Command) {
	cmd.resolve(nil)
	for _, m := range merged[cmd] {
		m.resolve(nil)
	}
	if q.p.Metrics != nil {
		q.p.Metrics.CommandResolved(string(cmd.Kind), "success")
	}
}

// fail re-enqueues a failed command at the front of its band until its
// attempt budget runs out, sleeping the retry delay first. Terminal
// failures resolve as command-failed and report upstream.
func (q *deviceQueue) fail(cmd *Command, merged map[*Command][]*Command, cause error) {
	cmd.Attempts++
	if cmd.Attempts < q.p.cfg.MaxAttempts && !fault.IsTerminal(cause) {
		delay := q.p.cfg.Retry.Delay(cmd.Attempts)
		logger.Debug("command dispatch failed, retrying",
			logger.KeyDeviceID, q.deviceID,
			logger.KeyAttempt, cmd.Attempts,
			logger.KeyDurationMs, delay.Milliseconds(),
			logger.KeyError, cause.Error(),
		)
		if q.p.Metrics != nil {
			q.p.Metrics.RetryScheduled()
		}
		if err := q.p.clock.Sleep(q.ctx, delay); err != nil {
			q.resolveFailed(cmd, merged, cause)
			return
		}
		// Staleness still applies; refresh against the age limit.
		q.pushFront(cmd)
		select {
		case q.wake <- struct{}{}:
		default:
		}
		return
	}
	q.resolveFailed(cmd, merged, cause)
}

func (q *deviceQueue) resolveFailed(cmd *Command, merged map[*Command][]*Command, cause error) {
	err := fault.Wrap(fault.KindCommand, "command failed", cause).
		WithDetail("attempts", cmd.Attempts)
	cmd.resolve(err)
	for _, m := range merged[cmd] {
		m.resolve(err)
	}
	if q.p.Metrics != nil {
		q.p.Metrics.CommandResolved(string(cmd.Kind), "failed")
	}
	logger.Warn("command failed after retries",
		logger.KeyDeviceID, q.deviceID,
		logger.KeyCommandKind, string(cmd.Kind),
		logger.KeyAttempt, cmd.Attempts,
		logger.KeyError, cause.Error(),
	)
	if q.p.OnDispatchFailure != nil {
		q.p.OnDispatchFailure(q.deviceID, err)
	}
}
