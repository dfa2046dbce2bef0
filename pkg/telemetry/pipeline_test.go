package telemetry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexhaptics/haplink/pkg/scheduler"
	"github.com/nexhaptics/haplink/pkg/store/memory"
)

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *scheduler.FakeClock, *memory.Store) {
	t.Helper()
	clock := scheduler.NewFakeClock(time.Unix(1_700_000_000, 0))
	sched := scheduler.New(clock)
	kv := memory.New()
	t.Cleanup(func() {
		sched.StopAll()
		_ = kv.Close()
	})
	return New(cfg, kv, sched), clock, kv
}

func countPrefix(t *testing.T, kv *memory.Store, prefix string) int {
	t.Helper()
	n := 0
	err := kv.Scan(context.Background(), []byte(prefix), func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	require.NoError(t, err)
	return n
}

func TestFlushPersistsPointsAndAggregates(t *testing.T) {
	p, clock, kv := newTestPipeline(t, Config{BatchSize: 2})

	for i := 0; i < 5; i++ {
		p.Track(Point{
			Kind:   KindCommand,
			Source: "dev-1",
			Values: map[string]float64{"latency_ms": float64(10 + i)},
		})
	}
	require.NoError(t, p.Flush(context.Background()))

	assert.Equal(t, 5, countPrefix(t, kv, "telemetry:point:"))

	// All five points land in the same minute bucket.
	statKey := p.statKey(clock.Now(), KindCommand)
	data, err := kv.Get(context.Background(), statKey)
	require.NoError(t, err)
	var st minuteStat
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, int64(5), st.Count)
	assert.Positive(t, st.Bytes)
}

func TestFlushedPointsRoundTrip(t *testing.T) {
	p, clock, kv := newTestPipeline(t, Config{})

	p.Track(Point{
		Kind:    KindDevice,
		Source:  "dev-7",
		Values:  map[string]float64{"battery": 42},
		Context: map[string]string{"protocol": "duplex"},
	})
	require.NoError(t, p.Flush(context.Background()))

	var got Point
	err := kv.Scan(context.Background(), []byte("telemetry:point:"), func(_, value []byte) (bool, error) {
		return false, json.Unmarshal(value, &got)
	})
	require.NoError(t, err)
	assert.Equal(t, KindDevice, got.Kind)
	assert.Equal(t, "dev-7", got.Source)
	assert.Equal(t, 42.0, got.Values["battery"])
	assert.Equal(t, "duplex", got.Context["protocol"])
	assert.Equal(t, clock.Now().UnixMilli(), got.Timestamp.UnixMilli())
}

func TestRingDropsOldestWhenFull(t *testing.T) {
	p, _, kv := newTestPipeline(t, Config{BufferSize: 3})

	for i := 0; i < 5; i++ {
		p.Track(Point{Kind: KindHeartbeat, Source: "dev-1"})
	}
	assert.Equal(t, uint64(2), p.Dropped())

	require.NoError(t, p.Flush(context.Background()))

	// The drop meta-point enters the full ring and evicts one more
	// heartbeat, so two heartbeats and the meta-point survive.
	assert.Equal(t, 3, countPrefix(t, kv, "telemetry:point:"))

	var drop Point
	err := kv.Scan(context.Background(), []byte("telemetry:point:"), func(_, value []byte) (bool, error) {
		var pt Point
		if err := json.Unmarshal(value, &pt); err != nil {
			return false, err
		}
		if pt.Kind == KindPipeline {
			drop = pt
			return false, nil
		}
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, drop.Values["dropped"])
}

func TestInlineAlertFiresOnThreshold(t *testing.T) {
	p, _, _ := newTestPipeline(t, Config{})

	var fired []Alert
	p.Listener = func(a Alert) { fired = append(fired, a) }

	require.NoError(t, p.AddRule(Rule{
		Kind:      KindCommand,
		Field:     "latency_ms",
		Op:        OpGreater,
		Threshold: 100,
	}))

	p.Track(Point{Kind: KindCommand, Source: "dev-1", Values: map[string]float64{"latency_ms": 50}})
	assert.Empty(t, fired)

	p.Track(Point{Kind: KindCommand, Source: "dev-1", Values: map[string]float64{"latency_ms": 250}})
	require.Len(t, fired, 1)
	assert.Equal(t, 250.0, fired[0].Value)
	assert.Equal(t, "dev-1", fired[0].Source)
	assert.False(t, fired[0].Windowed)
}

func TestAlertCooldownSuppressesRepeats(t *testing.T) {
	p, clock, _ := newTestPipeline(t, Config{})

	var fired []Alert
	p.Listener = func(a Alert) { fired = append(fired, a) }

	require.NoError(t, p.AddRule(Rule{
		Kind:      KindSecurity,
		Field:     "violations",
		Op:        OpGreaterEqual,
		Threshold: 1,
		Cooldown:  time.Minute,
	}))

	trip := func() {
		p.Track(Point{Kind: KindSecurity, Source: "guard", Values: map[string]float64{"violations": 1}})
	}

	trip()
	trip()
	assert.Len(t, fired, 1, "second trip inside cooldown must be suppressed")

	clock.Advance(2 * time.Minute)
	trip()
	assert.Len(t, fired, 2)
}

func TestWindowedAlertFires(t *testing.T) {
	p, clock, _ := newTestPipeline(t, Config{})

	var fired []Alert
	p.Listener = func(a Alert) { fired = append(fired, a) }

	require.NoError(t, p.AddRule(Rule{
		Kind:      KindCommand,
		Field:     "latency_ms",
		Op:        OpLess,
		Threshold: 5,
	}))

	// Points above the threshold never fire inline; drive the mean under
	// it so only windowed evaluation trips.
	for _, v := range []float64{6, 6, 1, 1, 1, 1} {
		p.Track(Point{Kind: KindCommand, Source: "dev-1", Values: map[string]float64{"latency_ms": v}})
	}
	require.Len(t, fired, 4, "the four sub-threshold points fire inline")
	fired = fired[:0]

	p.evaluateWindows(clock.Now())
	require.Len(t, fired, 1)
	assert.True(t, fired[0].Windowed)
	assert.Equal(t, "window", fired[0].Source)
	assert.InDelta(t, 16.0/6.0, fired[0].Value, 1e-9)
}

func TestAddRuleValidation(t *testing.T) {
	p, _, _ := newTestPipeline(t, Config{})

	assert.Error(t, p.AddRule(Rule{Field: "x", Op: OpGreater}))
	assert.Error(t, p.AddRule(Rule{Kind: KindCommand, Op: OpGreater}))
	assert.Error(t, p.AddRule(Rule{Kind: KindCommand, Field: "x", Op: Op("between")}))
	assert.NoError(t, p.AddRule(Rule{Kind: KindCommand, Field: "x", Op: OpGreater}))
}

func TestAlertsPersistOnFlush(t *testing.T) {
	p, _, kv := newTestPipeline(t, Config{})

	require.NoError(t, p.AddRule(Rule{
		Kind:      KindDevice,
		Field:     "errors",
		Op:        OpGreaterEqual,
		Threshold: 3,
	}))
	p.Track(Point{Kind: KindDevice, Source: "dev-2", Values: map[string]float64{"errors": 5}})
	require.NoError(t, p.Flush(context.Background()))

	found := 0
	err := kv.Scan(context.Background(), []byte("telemetry:alert:"), func(_, value []byte) (bool, error) {
		var a Alert
		if err := json.Unmarshal(value, &a); err != nil {
			return false, err
		}
		assert.Equal(t, 5.0, a.Value)
		assert.Equal(t, "dev-2", a.Source)
		found++
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, found)
}

func TestSweepRemovesExpiredKeys(t *testing.T) {
	p, clock, kv := newTestPipeline(t, Config{RetentionDays: 7})

	old := clock.Now().Add(-8 * 24 * time.Hour)
	p.Track(Point{Kind: KindCommand, Source: "dev-1", Timestamp: old})
	p.Track(Point{Kind: KindCommand, Source: "dev-1"})
	require.NoError(t, p.Flush(context.Background()))
	require.Equal(t, 2, countPrefix(t, kv, "telemetry:point:"))
	require.Equal(t, 2, countPrefix(t, kv, "telemetry:stats:"))

	removed, err := p.Sweep(context.Background(), clock.Now())
	require.NoError(t, err)
	// One expired point and its minute bucket.
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, countPrefix(t, kv, "telemetry:point:"))
	assert.Equal(t, 1, countPrefix(t, kv, "telemetry:stats:"))

	// A second sweep finds nothing.
	removed, err = p.Sweep(context.Background(), clock.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestStartDrivesPeriodicFlush(t *testing.T) {
	p, clock, kv := newTestPipeline(t, Config{FlushInterval: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Track(Point{Kind: KindSession, Source: "conn-1"})
	assert.Equal(t, 0, countPrefix(t, kv, "telemetry:point:"))

	clock.Advance(time.Second)
	assert.Eventually(t, func() bool {
		return countPrefix(t, kv, "telemetry:point:") == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close(context.Background()))
}

func TestCloseFlushesBufferedPoints(t *testing.T) {
	p, _, kv := newTestPipeline(t, Config{})

	ctx := context.Background()
	p.Start(ctx)
	p.Track(Point{Kind: KindPattern, Source: "dev-3"})
	require.NoError(t, p.Close(ctx))

	assert.Equal(t, 1, countPrefix(t, kv, "telemetry:point:"))
}
