package metrics

import (
	"github.com/nexhaptics/haplink/pkg/command"
)

// NewCommandMetrics creates a Prometheus-backed command.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewCommandMetrics() command.Metrics {
	if !IsEnabled() || newPrometheusCommandMetrics == nil {
		return nil
	}
	return newPrometheusCommandMetrics()
}

var newPrometheusCommandMetrics func() command.Metrics

// RegisterCommandMetricsConstructor registers the Prometheus command
// metrics constructor. Called by pkg/metrics/prometheus during package
// initialization.
func RegisterCommandMetricsConstructor(constructor func() command.Metrics) {
	newPrometheusCommandMetrics = constructor
}
