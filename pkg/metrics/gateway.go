package metrics

import (
	"github.com/nexhaptics/haplink/pkg/gateway"
)

// NewGatewayMetrics creates a Prometheus-backed gateway.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called) or the
// Prometheus implementation is not linked in. Callers pass the nil result
// straight through; the gateway skips collection with zero overhead.
func NewGatewayMetrics() gateway.Metrics {
	if !IsEnabled() || newPrometheusGatewayMetrics == nil {
		return nil
	}
	return newPrometheusGatewayMetrics()
}

// newPrometheusGatewayMetrics is implemented in pkg/metrics/prometheus.
// The indirection avoids an import cycle while keeping the API clean.
var newPrometheusGatewayMetrics func() gateway.Metrics

// RegisterGatewayMetricsConstructor registers the Prometheus gateway
// metrics constructor. Called by pkg/metrics/prometheus during package
// initialization.
func RegisterGatewayMetricsConstructor(constructor func() gateway.Metrics) {
	newPrometheusGatewayMetrics = constructor
}
