package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nexhaptics/haplink/pkg/command"
	"github.com/nexhaptics/haplink/pkg/metrics"
)

func init() {
	metrics.RegisterCommandMetricsConstructor(newCommandMetrics)
}

// commandMetrics is the Prometheus implementation of command.Metrics.
type commandMetrics struct {
	enqueued         *prometheus.CounterVec
	resolved         *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	batchSize        prometheus.Histogram
	retries          prometheus.Counter
	queueDepth       *prometheus.GaugeVec
}

func newCommandMetrics() command.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &commandMetrics{
		enqueued: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "haplink_command_enqueued_total",
				Help: "Total number of commands accepted into device queues",
			},
			[]string{"kind", "priority"},
		),
		resolved: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "haplink_command_resolved_total",
				Help: "Total number of resolved commands by outcome",
			},
			[]string{"kind", "outcome"}, // "success", "failed", "cancelled", "stale"
		),
		dispatchDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "haplink_command_dispatch_duration_milliseconds",
				Help: "Duration of one dispatch to a device adapter in milliseconds",
				Buckets: []float64{
					0.5,
					1,
					5,
					10,   // local adapters
					50,   // network adapters
					100,
					500,  // retry territory
					1000,
				},
			},
		),
		batchSize: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "haplink_command_batch_size",
				Help:    "Number of commands coalesced into one dispatch",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),
		retries: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "haplink_command_retries_total",
				Help: "Total number of scheduled dispatch retries",
			},
		),
		queueDepth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "haplink_command_queue_depth",
				Help: "Current queued command count per device",
			},
			[]string{"device_id"},
		),
	}
}

func (m *commandMetrics) CommandEnqueued(kind, priority string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(kind, priority).Inc()
}

func (m *commandMetrics) CommandResolved(kind, outcome string) {
	if m == nil {
		return
	}
	m.resolved.WithLabelValues(kind, outcome).Inc()
}

func (m *commandMetrics) ObserveDispatch(batchSize int, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.Observe(duration.Seconds() * 1000)
	m.batchSize.Observe(float64(batchSize))
}

func (m *commandMetrics) RetryScheduled() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *commandMetrics) QueueDepth(deviceID string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(deviceID).Set(float64(depth))
}
