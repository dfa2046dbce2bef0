// Package prometheus holds the Prometheus-backed implementations of the
// metric interfaces. Importing the package (usually blank, from main)
// registers the constructors with pkg/metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nexhaptics/haplink/pkg/gateway"
	"github.com/nexhaptics/haplink/pkg/metrics"
)

func init() {
	metrics.RegisterGatewayMetricsConstructor(newGatewayMetrics)
}

// gatewayMetrics is the Prometheus implementation of gateway.Metrics.
type gatewayMetrics struct {
	sessionsOpened   prometheus.Counter
	sessionsClosed   *prometheus.CounterVec
	sessionsRejected *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	messageDuration  *prometheus.HistogramVec
	messageFailures  *prometheus.CounterVec
	eventsDelivered  prometheus.Counter
}

func newGatewayMetrics() gateway.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &gatewayMetrics{
		sessionsOpened: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "haplink_gateway_sessions_opened_total",
				Help: "Total number of accepted client sessions",
			},
		),
		sessionsClosed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "haplink_gateway_sessions_closed_total",
				Help: "Total number of ended client sessions by close reason",
			},
			[]string{"reason"},
		),
		sessionsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "haplink_gateway_sessions_rejected_total",
				Help: "Total number of refused sessions by rejection reason",
			},
			[]string{"reason"}, // "capacity", "auth", "ddos"
		),
		activeSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "haplink_gateway_active_sessions",
				Help: "Current number of live client sessions",
			},
		),
		messageDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "haplink_gateway_message_duration_milliseconds",
				Help: "Time spent handling one inbound message in milliseconds",
				Buckets: []float64{
					0.1, // sub-millisecond dispatch
					0.5,
					1,
					5,
					10,
					50,
					100,  // command round trips
					500,  // slow device paths
					1000, // command timeout territory
					5000,
				},
			},
			[]string{"type"},
		),
		messageFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "haplink_gateway_message_failures_total",
				Help: "Total number of messages that resolved with an error code",
			},
			[]string{"code"},
		),
		eventsDelivered: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "haplink_gateway_events_delivered_total",
				Help: "Total number of device event frames delivered to subscribers",
			},
		),
	}
}

func (m *gatewayMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
	m.activeSessions.Inc()
}

func (m *gatewayMetrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
	m.activeSessions.Dec()
}

func (m *gatewayMetrics) SessionRejected(reason string) {
	if m == nil {
		return
	}
	m.sessionsRejected.WithLabelValues(reason).Inc()
}

func (m *gatewayMetrics) ObserveMessage(msgType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.messageDuration.WithLabelValues(msgType).Observe(duration.Seconds() * 1000)
}

func (m *gatewayMetrics) MessageFailed(code string) {
	if m == nil {
		return
	}
	m.messageFailures.WithLabelValues(code).Inc()
}

func (m *gatewayMetrics) EventDelivered() {
	if m == nil {
		return
	}
	m.eventsDelivered.Inc()
}
