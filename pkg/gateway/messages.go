package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nexhaptics/haplink/pkg/fault"
	"github.com/nexhaptics/haplink/pkg/pattern"
)

// Frame is the wire envelope shared with clients. Replies echo the
// request's correlation id.
type Frame struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client request frame types.
const (
	TypePing        = "ping"
	TypeCommand     = "device_command"
	TypeStatus      = "device_status"
	TypeSubscribe   = "subscribe_device"
	TypeUnsubscribe = "unsubscribe_device"
	TypeList        = "list_devices"
	TypeConnect     = "connect_device"
	TypeDisconnect  = "disconnect_device"
	TypeAuthRefresh = "auth_refresh"
)

// Server reply frame types.
const (
	TypeWelcome            = "welcome"
	TypePong               = "pong"
	TypeCommandSuccess     = "command_success"
	TypeDeviceStatus       = "device_status"
	TypeDeviceList         = "device_list"
	TypeDeviceEvent        = "device_event"
	TypeSubscribeSuccess   = "subscription_success"
	TypeUnsubscribeSuccess = "unsubscription_success"
	TypeConnectSuccess     = "connect_success"
	TypeDisconnectSuccess  = "disconnect_success"
	TypeError              = "error"
)

// welcomePayload greets an authenticated session.
type welcomePayload struct {
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	ServerTime   int64  `json:"server_time"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// commandPayload is the device_command request body.
type commandPayload struct {
	DeviceID  string             `json:"device_id"`
	Kind      string             `json:"kind"`
	Intensity float64            `json:"intensity"`
	Pattern   string             `json:"pattern,omitempty"`
	Spec      *pattern.Spec      `json:"pattern_spec,omitempty"`
	Params    map[string]float64 `json:"params,omitempty"`
	Priority  string             `json:"priority,omitempty"`
	Seq       uint64             `json:"seq,omitempty"`

	// DeadlineMs is an absolute server-time deadline in unix milliseconds.
	DeadlineMs int64 `json:"deadline_ms,omitempty"`

	// ResolutionMs overrides the pattern tick resolution for pattern_start.
	ResolutionMs int64 `json:"resolution_ms,omitempty"`
}

// devicePayload names one device in a status or subscription request.
type devicePayload struct {
	DeviceID string `json:"device_id"`
}

// authRefreshPayload carries a fresh credential.
type authRefreshPayload struct {
	Token string `json:"token"`
}

// errorPayload is the body of an error reply. It never carries
// server-internal paths or stack traces.
type errorPayload struct {
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// errorBody maps a fault to the client-facing error payload.
func errorBody(err error) errorPayload {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return errorPayload{
			Message: fe.Message,
			Code:    string(fe.ClientCode()),
			Details: fe.Details,
		}
	}
	return errorPayload{
		Message: "internal error",
		Code:    string(fault.CodeInternal),
	}
}

// newFrame assembles a reply frame, correlating it to the request id.
func newFrame(id, frameType string, payload any, now time.Time) (*Frame, error) {
	f := &Frame{
		ID:        id,
		Type:      frameType,
		Timestamp: now.UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fault.Wrap(fault.KindUnknown, "failed to encode reply payload", err)
		}
		f.Payload = data
	}
	return f, nil
}
