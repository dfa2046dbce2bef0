package tracing

// Attribute keys for gateway operations.
// Protocol-agnostic keys use the "gateway." prefix; device and command
// specific keys use their own.
const (
	// Client attributes
	AttrClientIP   = "client.ip"
	AttrClientAddr = "client.address"

	// Session attributes
	AttrSessionID    = "session.id"
	AttrConnectionID = "session.connection_id"
	AttrUserID       = "user.id"
	AttrMessageType  = "gateway.message_type"
	AttrMessageID    = "gateway.message_id"

	// Device attributes
	AttrDeviceID     = "device.id"
	AttrDeviceKind   = "device.kind"
	AttrProtocol     = "device.protocol"
	AttrDeviceStatus = "device.status"

	// Command attributes
	AttrCommandKind = "command.kind"
	AttrIntensity   = "command.intensity"
	AttrPriority    = "command.priority"
	AttrBatchSize   = "command.batch_size"
	AttrAttempt     = "command.attempt"

	// Pattern attributes
	AttrPattern = "pattern.name"
)

// Span names for operations.
// Format: <component>.<operation>.
const (
	SpanSessionAccept  = "gateway.session_accept"
	SpanHandleMessage  = "gateway.handle_message"
	SpanDeviceConnect  = "registry.connect"
	SpanDeviceSend     = "registry.send"
	SpanCommandBatch   = "command.dispatch_batch"
	SpanPatternTick    = "pattern.tick"
	SpanTelemetryFlush = "telemetry.flush"
)
