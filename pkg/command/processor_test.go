package command

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexhaptics/haplink/pkg/fault"
)

// fakeSender records dispatches and can block or fail on demand.
type fakeSender struct {
	mu      sync.Mutex
	sent    []*Command
	batches [][]*Command

	// gate, when non-nil, blocks every dispatch until it is closed or fed.
	gate chan struct{}

	// failFirst fails this many dispatches before succeeding.
	failFirst atomic.Int32
}

func (s *fakeSender) Send(ctx context.Context, cmd *Command) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.failFirst.Load() > 0 {
		s.failFirst.Add(-1)
		return errors.New("wire glitch")
	}
	s.mu.Lock()
	s.sent = append(s.sent, cmd)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) sentCommands() []*Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Command, len(s.sent))
	copy(out, s.sent)
	return out
}

// batchSender additionally accepts whole batches.
type batchSender struct {
	fakeSender
}

func (s *batchSender) SendBatch(ctx context.Context, cmds []*Command) error {
	s.mu.Lock()
	s.batches = append(s.batches, cmds)
	s.sent = append(s.sent, cmds...)
	s.mu.Unlock()
	return nil
}

func permissiveLimits(string) (Limits, bool) {
	return Limits{IntensityCap: 100}, true
}

func newTestProcessor(t *testing.T, cfg Config, sender Sender) *Processor {
	p := NewProcessor(cfg, permissiveLimits, nil)
	t.Cleanup(p.Close)
	p.Register("dev-1", sender)
	return p
}

func submit(t *testing.T, p *Processor, cmd *Command) *Command {
	t.Helper()
	require.NoError(t, p.Submit(cmd))
	return cmd
}

func TestBatchingCollapsesAndResolvesAll(t *testing.T) {
	sender := &fakeSender{}
	cfg := DefaultConfig()
	cfg.BatchSize = 5
	cfg.BatchTimeout = 20 * time.Millisecond
	p := newTestProcessor(t, cfg, sender)

	cmds := make([]*Command, 10)
	for i := range cmds {
		cmds[i] = New("dev-1", KindVibrate, float64(10*(i+1)))
		require.NoError(t, p.Submit(cmds[i]))
	}
	for _, cmd := range cmds {
		require.NoError(t, cmd.Wait(2*time.Second))
	}

	sent := sender.sentCommands()
	require.NotEmpty(t, sent)
	assert.LessOrEqual(t, len(sent), 2, "consecutive intensity updates collapse per batch")
	assert.Equal(t, float64(100), sent[len(sent)-1].Intensity, "last intensity wins")
}

func TestPatternStartStopCancelInBatch(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.BatchSize = 4
	cfg.BatchTimeout = 20 * time.Millisecond
	p := newTestProcessor(t, cfg, sender)

	// The blocker holds the worker so start and stop land in one batch.
	blocker := submit(t, p, New("dev-1", KindStop, 0))
	time.Sleep(30 * time.Millisecond)

	start := New("dev-1", KindPatternStart, 0)
	start.Pattern = "waves"
	stop := New("dev-1", KindPatternStop, 0)
	stop.Pattern = "waves"
	submit(t, p, start)
	submit(t, p, stop)

	close(sender.gate)
	require.NoError(t, blocker.Wait(time.Second))
	require.NoError(t, start.Wait(time.Second))
	require.NoError(t, stop.Wait(time.Second))

	for _, sent := range sender.sentCommands() {
		assert.NotEqual(t, KindPatternStart, sent.Kind, "cancelled pair never reaches the wire")
		assert.NotEqual(t, KindPatternStop, sent.Kind)
	}
}

func TestBatchCapableSenderGetsOneCall(t *testing.T) {
	sender := &batchSender{fakeSender: fakeSender{gate: make(chan struct{})}}
	cfg := DefaultConfig()
	cfg.BatchSize = 4
	cfg.BatchTimeout = 20 * time.Millisecond
	p := newTestProcessor(t, cfg, sender)

	// Distinct kinds dodge the intensity collapse so the batch survives.
	blocker := submit(t, p, New("dev-1", KindStop, 0))
	time.Sleep(30 * time.Millisecond)
	a := submit(t, p, New("dev-1", KindVibrate, 40))
	b := submit(t, p, New("dev-1", KindRotate, 60))

	close(sender.gate)
	require.NoError(t, blocker.Wait(time.Second))
	require.NoError(t, a.Wait(time.Second))
	require.NoError(t, b.Wait(time.Second))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.batches, 1)
	assert.Len(t, sender.batches[0], 2)
}

func TestRateLimitBurstAndRecovery(t *testing.T) {
	sender := &fakeSender{}
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.Rate = RateConfig{TokensPerInterval: 10, Interval: 100 * time.Millisecond, BurstSize: 15}
	p := newTestProcessor(t, cfg, sender)

	start := time.Now()
	burst := make([]*Command, 15)
	for i := range burst {
		burst[i] = submit(t, p, New("dev-1", KindVibrate, 50))
	}
	for _, cmd := range burst {
		require.NoError(t, cmd.Wait(time.Second))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "burst drains without refill waits")

	// The 16th command needs a fresh token: one token every 10ms.
	next := submit(t, p, New("dev-1", KindVibrate, 50))
	waitStart := time.Now()
	require.NoError(t, next.Wait(time.Second))
	assert.GreaterOrEqual(t, time.Since(waitStart), 10*time.Millisecond)

	// The bucket recovers while idle.
	time.Sleep(100 * time.Millisecond)
	p.mu.Lock()
	q := p.queues["dev-1"]
	p.mu.Unlock()
	q.refill()
	q.mu.Lock()
	tokens := q.tokens
	q.mu.Unlock()
	assert.GreaterOrEqual(t, tokens, float64(10))
}

func TestPriorityOrdering(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{}, 1)}
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	p := newTestProcessor(t, cfg, sender)

	blocker := submit(t, p, New("dev-1", KindStop, 0))
	time.Sleep(30 * time.Millisecond)

	low := New("dev-1", KindVibrate, 10)
	low.Priority = PriorityLow
	high := New("dev-1", KindRotate, 20)
	high.Priority = PriorityHigh
	critical := New("dev-1", KindStop, 0)
	critical.Priority = PriorityCritical
	submit(t, p, low)
	submit(t, p, high)
	submit(t, p, critical)

	close(sender.gate)
	require.NoError(t, blocker.Wait(time.Second))
	require.NoError(t, low.Wait(time.Second))

	sent := sender.sentCommands()
	require.Len(t, sent, 4)
	assert.Same(t, critical, sent[1])
	assert.Same(t, high, sent[2])
	assert.Same(t, low, sent[3])
}

func TestAgedCommandDropsWithStaleError(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.MaxQueueAge = 50 * time.Millisecond
	p := newTestProcessor(t, cfg, sender)

	blocker := submit(t, p, New("dev-1", KindStop, 0))
	time.Sleep(20 * time.Millisecond)
	stale := submit(t, p, New("dev-1", KindVibrate, 30))

	time.Sleep(80 * time.Millisecond)
	close(sender.gate)

	require.NoError(t, blocker.Wait(time.Second))
	err := stale.Wait(time.Second)
	require.Error(t, err)
	assert.Equal(t, fault.KindCommand, fault.KindOf(err))
	assert.Empty(t, sender.sentCommands()[1:], "stale command never dispatched")
}

func TestValidationRejectsBeforeEnqueue(t *testing.T) {
	sender := &fakeSender{}
	limits := func(id string) (Limits, bool) {
		if id != "dev-1" {
			return Limits{}, false
		}
		return Limits{
			IntensityCap:   60,
			PatternAllowed: func(name string) bool { return name == "waves" },
		}, true
	}
	p := NewProcessor(DefaultConfig(), limits, nil)
	t.Cleanup(p.Close)
	p.Register("dev-1", sender)

	err := p.Submit(New("dev-1", KindVibrate, 80))
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	err = p.Submit(New("dev-1", KindVibrate, -1))
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	banned := New("dev-1", KindPatternStart, 0)
	banned.Pattern = "escalation"
	err = p.Submit(banned)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	err = p.Submit(New("ghost", KindVibrate, 10))
	require.Error(t, err)
	assert.Equal(t, fault.KindDeviceNotFound, fault.KindOf(err))

	assert.Empty(t, sender.sentCommands())
}

func TestRetryThenSuccess(t *testing.T) {
	sender := &fakeSender{}
	sender.failFirst.Store(2)
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.MaxAttempts = 3
	cfg.Retry = fault.Strategy{Backoff: fault.BackoffFixed, InitialDelay: 5 * time.Millisecond}
	p := newTestProcessor(t, cfg, sender)

	cmd := submit(t, p, New("dev-1", KindVibrate, 30))
	require.NoError(t, cmd.Wait(2*time.Second))
	assert.Equal(t, 2, cmd.Attempts)
}

func TestRetriesExhaustedReportsFailure(t *testing.T) {
	sender := &fakeSender{}
	sender.failFirst.Store(10)
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.MaxAttempts = 3
	cfg.Retry = fault.Strategy{Backoff: fault.BackoffFixed, InitialDelay: time.Millisecond}
	cfg.MaxQueueAge = 10 * time.Second

	var failedDevice atomic.Value
	p := NewProcessor(cfg, permissiveLimits, nil)
	t.Cleanup(p.Close)
	p.OnDispatchFailure = func(deviceID string, err error) { failedDevice.Store(deviceID) }
	p.Register("dev-1", sender)

	cmd := submit(t, p, New("dev-1", KindVibrate, 30))
	err := cmd.Wait(2 * time.Second)
	require.Error(t, err)
	assert.Equal(t, fault.KindCommand, fault.KindOf(err))
	assert.Equal(t, 3, cmd.Attempts)
	assert.Equal(t, "dev-1", failedDevice.Load())
}

func TestSessionCancelDrainsQueuedOnly(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	p := newTestProcessor(t, cfg, sender)

	blocker := submit(t, p, New("dev-1", KindStop, 0))
	time.Sleep(30 * time.Millisecond)

	queued := New("dev-1", KindVibrate, 40)
	queued.SessionID = "sess-1"
	submit(t, p, queued)
	other := New("dev-1", KindVibrate, 50)
	other.SessionID = "sess-2"
	submit(t, p, other)

	p.CancelSession("sess-1")
	err := queued.Wait(time.Second)
	require.Error(t, err)
	assert.Equal(t, fault.KindCommand, fault.KindOf(err))

	close(sender.gate)
	require.NoError(t, blocker.Wait(time.Second))
	require.NoError(t, other.Wait(time.Second), "other sessions unaffected")
}

func TestSequenceReplayResolvesWithoutDispatch(t *testing.T) {
	sender := &fakeSender{}
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	p := newTestProcessor(t, cfg, sender)

	first := New("dev-1", KindVibrate, 20)
	first.SessionID = "sess-1"
	first.Seq = 7
	submit(t, p, first)
	require.NoError(t, first.Wait(time.Second))

	replay := New("dev-1", KindVibrate, 20)
	replay.SessionID = "sess-1"
	replay.Seq = 7
	submit(t, p, replay)
	require.NoError(t, replay.Wait(time.Second))

	assert.Len(t, sender.sentCommands(), 1)
}

func TestDeregisterDrainsWithDeviceRemoved(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	p := newTestProcessor(t, cfg, sender)

	blocker := submit(t, p, New("dev-1", KindStop, 0))
	time.Sleep(30 * time.Millisecond)
	queued := submit(t, p, New("dev-1", KindVibrate, 40))

	p.Deregister("dev-1")
	err := queued.Wait(time.Second)
	require.Error(t, err)
	assert.Equal(t, fault.KindDevice, fault.KindOf(err))

	close(sender.gate)
	_ = blocker.Wait(time.Second)

	// Still a known device, just without a sender now.
	err = p.Submit(New("dev-1", KindVibrate, 10))
	require.Error(t, err)
	assert.Equal(t, fault.KindConnection, fault.KindOf(err))
}
