package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that gateway,
// registry, command, and pattern logs can be aggregated and queried together.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Session & Connection
	// ========================================================================
	KeySessionID    = "session_id"    // Gateway session identifier
	KeyConnectionID = "connection_id" // Transport connection identifier
	KeyUserID       = "user_id"       // Authenticated principal
	KeyClientIP     = "client_ip"     // Client IP address (without port)
	KeyMessageID    = "message_id"    // Frame correlation identifier
	KeyMessageType  = "message_type"  // Frame type: ping, device_command, ...

	// ========================================================================
	// Devices
	// ========================================================================
	KeyDeviceID     = "device_id"     // Stable device identifier
	KeyDeviceKind   = "device_kind"   // stroke-controller, haptic-controller, ...
	KeyProtocol     = "protocol"      // Adapter protocol tag: duplex, radio, ...
	KeyDeviceStatus = "device_status" // unknown, offline, online, error, ...
	KeyAddress      = "address"       // Wire address of the device

	// ========================================================================
	// Commands & Patterns
	// ========================================================================
	KeyCommandKind = "command_kind" // vibrate, rotate, position, stop, ...
	KeyIntensity   = "intensity"    // Command intensity [0,100]
	KeyPattern     = "pattern"      // Pattern name or reference
	KeyPriority    = "priority"     // critical, high, normal, low
	KeyAttempt     = "attempt"      // Retry attempt counter
	KeyBatchSize   = "batch_size"   // Commands coalesced into one wire frame
	KeySequence    = "sequence"     // Per-session command sequence number

	// ========================================================================
	// Security
	// ========================================================================
	KeyScope      = "scope"       // Rate-limit scope: global, connection, user
	KeyThreatKind = "threat_kind" // brute_force, ddos, rate_limit, ...
	KeyKeyID      = "key_id"      // Encryption key identifier

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorKind  = "error_kind"  // fault kind: connection, timeout, ...
	KeyErrorCode  = "error_code"  // Client-facing code: COMMAND_FAILED, ...
	KeyReason     = "reason"      // Close or rejection reason
	KeyCount      = "count"       // Generic count field
)

// Err returns a slog attribute for an error, tolerating nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// DeviceAttrs returns the standard attribute pair for a device.
func DeviceAttrs(deviceID, protocol string) []any {
	return []any{KeyDeviceID, deviceID, KeyProtocol, protocol}
}

// FormatIntensity renders an intensity value for human-readable output.
func FormatIntensity(v float64) string {
	return fmt.Sprintf("%.1f", v)
}
