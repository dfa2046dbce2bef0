package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nexhaptics/haplink/pkg/metrics"
	"github.com/nexhaptics/haplink/pkg/security"
)

func init() {
	metrics.RegisterSecurityMetricsConstructor(newSecurityMetrics)
}

// securityMetrics is the Prometheus implementation of security.Metrics.
type securityMetrics struct {
	authAttempts *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	threats      *prometheus.CounterVec
	blacklisted  prometheus.Counter
}

func newSecurityMetrics() security.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &securityMetrics{
		authAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "haplink_security_auth_attempts_total",
				Help: "Total number of authentication attempts by result",
			},
			[]string{"result"}, // "success", "failure"
		),
		rateLimited: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "haplink_security_rate_limited_total",
				Help: "Total number of rate-limited messages by scope",
			},
			[]string{"scope"}, // "global", "connection", "user"
		),
		threats: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "haplink_security_threats_total",
				Help: "Total number of detected threats by kind",
			},
			[]string{"kind"},
		),
		blacklisted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "haplink_security_blacklist_rejections_total",
				Help: "Total number of requests rejected from blacklisted sources",
			},
		),
	}
}

func (m *securityMetrics) AuthAttempt(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.authAttempts.WithLabelValues(result).Inc()
}

func (m *securityMetrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

func (m *securityMetrics) ThreatDetected(kind string) {
	if m == nil {
		return
	}
	m.threats.WithLabelValues(kind).Inc()
}

func (m *securityMetrics) SourceBlacklisted() {
	if m == nil {
		return
	}
	m.blacklisted.Inc()
}
