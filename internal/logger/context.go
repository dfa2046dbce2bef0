package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for a gateway session or
// a device operation. It travels through context.Context so that handlers,
// the command processor, and adapters all log the same correlation fields.
type LogContext struct {
	TraceID      string    // OpenTelemetry trace ID
	SpanID       string    // OpenTelemetry span ID
	SessionID    string    // Gateway session identifier
	ConnectionID string    // Transport connection identifier
	UserID       string    // Authenticated principal
	ClientIP     string    // Client IP address (without port)
	DeviceID     string    // Device the operation targets, if any
	MessageType  string    // Inbound frame type being handled
	StartTime    time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a client connection.
func NewLogContext(clientIP string) *LogContext {
	return &LogContext{
		ClientIP:  clientIP,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithDevice returns a copy of the LogContext bound to a device id.
func (lc *LogContext) WithDevice(deviceID string) *LogContext {
	clone := lc.Clone()
	if clone == nil {
		clone = &LogContext{StartTime: time.Now()}
	}
	clone.DeviceID = deviceID
	return clone
}
