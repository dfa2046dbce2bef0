package metrics

import (
	"github.com/nexhaptics/haplink/pkg/security"
)

// NewSecurityMetrics creates a Prometheus-backed security.Metrics
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewSecurityMetrics() security.Metrics {
	if !IsEnabled() || newPrometheusSecurityMetrics == nil {
		return nil
	}
	return newPrometheusSecurityMetrics()
}

var newPrometheusSecurityMetrics func() security.Metrics

// RegisterSecurityMetricsConstructor registers the Prometheus security
// metrics constructor. Called by pkg/metrics/prometheus during package
// initialization.
func RegisterSecurityMetricsConstructor(constructor func() security.Metrics) {
	newPrometheusSecurityMetrics = constructor
}
