// Package client is the websocket client used by the haplinkd CLI to talk
// to a running gateway: request/reply correlation over one connection plus
// a channel of pushed device events.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nexhaptics/haplink/pkg/device"
	"github.com/nexhaptics/haplink/pkg/gateway"
	"github.com/nexhaptics/haplink/pkg/pattern"
)

// DefaultTimeout bounds each request/reply exchange.
const DefaultTimeout = 10 * time.Second

// ServerError is an error reply from the gateway.
type ServerError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Welcome is the session greeting returned on connect.
type Welcome struct {
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	ServerTime   int64  `json:"server_time"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// Event is a pushed device event. Registry events carry Status and
// Device; pattern engine events carry Pattern and Reason.
type Event struct {
	Event    string         `json:"event"`
	DeviceID string         `json:"device_id"`
	Status   string         `json:"status,omitempty"`
	Device   *device.Record `json:"device,omitempty"`
	Pattern  string         `json:"pattern,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// Command describes one device command request.
type Command struct {
	DeviceID  string             `json:"device_id"`
	Kind      string             `json:"kind"`
	Intensity float64            `json:"intensity"`
	Pattern   string             `json:"pattern,omitempty"`
	Spec      *pattern.Spec      `json:"pattern_spec,omitempty"`
	Params    map[string]float64 `json:"params,omitempty"`
	Priority  string             `json:"priority,omitempty"`
	Seq       uint64             `json:"seq,omitempty"`

	DeadlineMs   int64 `json:"deadline_ms,omitempty"`
	ResolutionMs int64 `json:"resolution_ms,omitempty"`
}

// CommandResult acknowledges a resolved command.
type CommandResult struct {
	DeviceID  string `json:"device_id"`
	CommandID string `json:"command_id,omitempty"`
}

// Client is a connected gateway session.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration
	welcome Welcome

	mu      sync.Mutex
	pending map[string]chan *gateway.Frame
	closed  bool

	events chan Event
	done   chan struct{}
}

// Dial connects and authenticates. The token travels in the Authorization
// header, never in the URL.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connection rejected (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:    conn,
		timeout: DefaultTimeout,
		pending: make(map[string]chan *gateway.Frame),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}

	// The first frame is the welcome.
	var f gateway.Frame
	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	if err := conn.ReadJSON(&f); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if f.Type != gateway.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("expected welcome, got %q", f.Type)
	}
	if err := json.Unmarshal(f.Payload, &c.welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("malformed welcome: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// Welcome returns the session greeting.
func (c *Client) Welcome() Welcome { return c.welcome }

// Events returns the pushed device event stream. The channel closes when
// the connection does.
func (c *Client) Events() <-chan Event { return c.events }

// Done closes when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Ping round-trips a heartbeat.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, gateway.TypePing, nil, gateway.TypePong)
	return err
}

// ListDevices returns every device the gateway knows.
func (c *Client) ListDevices(ctx context.Context) ([]device.Record, error) {
	f, err := c.request(ctx, gateway.TypeList, nil, gateway.TypeDeviceList)
	if err != nil {
		return nil, err
	}
	var body struct {
		Devices []device.Record `json:"devices"`
	}
	if err := json.Unmarshal(f.Payload, &body); err != nil {
		return nil, fmt.Errorf("malformed device list: %w", err)
	}
	return body.Devices, nil
}

// DeviceStatus returns one device record.
func (c *Client) DeviceStatus(ctx context.Context, deviceID string) (*device.Record, error) {
	f, err := c.request(ctx, gateway.TypeStatus,
		map[string]string{"device_id": deviceID}, gateway.TypeDeviceStatus)
	if err != nil {
		return nil, err
	}
	var rec device.Record
	if err := json.Unmarshal(f.Payload, &rec); err != nil {
		return nil, fmt.Errorf("malformed device status: %w", err)
	}
	return &rec, nil
}

// Send submits a device command and waits for its resolution.
func (c *Client) Send(ctx context.Context, cmd Command) (*CommandResult, error) {
	f, err := c.request(ctx, gateway.TypeCommand, cmd, gateway.TypeCommandSuccess)
	if err != nil {
		return nil, err
	}
	var res CommandResult
	if err := json.Unmarshal(f.Payload, &res); err != nil {
		return nil, fmt.Errorf("malformed command result: %w", err)
	}
	return &res, nil
}

// Subscribe starts device event delivery for deviceID ("*" for all).
func (c *Client) Subscribe(ctx context.Context, deviceID string) error {
	_, err := c.request(ctx, gateway.TypeSubscribe,
		map[string]string{"device_id": deviceID}, gateway.TypeSubscribeSuccess)
	return err
}

// Unsubscribe stops device event delivery for deviceID.
func (c *Client) Unsubscribe(ctx context.Context, deviceID string) error {
	_, err := c.request(ctx, gateway.TypeUnsubscribe,
		map[string]string{"device_id": deviceID}, gateway.TypeUnsubscribeSuccess)
	return err
}

// ConnectDevice opens a device's wire. Requires the configure permission.
func (c *Client) ConnectDevice(ctx context.Context, deviceID string) error {
	_, err := c.request(ctx, gateway.TypeConnect,
		map[string]string{"device_id": deviceID}, gateway.TypeConnectSuccess)
	return err
}

// DisconnectDevice tears a device's wire down. Requires the configure
// permission.
func (c *Client) DisconnectDevice(ctx context.Context, deviceID string) error {
	_, err := c.request(ctx, gateway.TypeDisconnect,
		map[string]string{"device_id": deviceID}, gateway.TypeDisconnectSuccess)
	return err
}

// RefreshAuth swaps the session credential. The refreshed expiry comes
// back in the new welcome.
func (c *Client) RefreshAuth(ctx context.Context, token string) (*Welcome, error) {
	f, err := c.request(ctx, gateway.TypeAuthRefresh,
		map[string]string{"token": token}, gateway.TypeWelcome)
	if err != nil {
		return nil, err
	}
	var w Welcome
	if err := json.Unmarshal(f.Payload, &w); err != nil {
		return nil, fmt.Errorf("malformed welcome: %w", err)
	}
	c.mu.Lock()
	c.welcome = w
	c.mu.Unlock()
	return &w, nil
}

// request sends one frame and waits for its correlated reply.
func (c *Client) request(ctx context.Context, frameType string, payload any, wantType string) (*gateway.Frame, error) {
	id := uuid.NewString()

	f := gateway.Frame{
		ID:        id,
		Type:      frameType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		f.Payload = data
	}

	ch := make(chan *gateway.Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.pending[id] = ch
	err := c.conn.WriteJSON(&f)
	c.mu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("write failed: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		if reply.Type == gateway.TypeError {
			var se ServerError
			if err := json.Unmarshal(reply.Payload, &se); err != nil {
				return nil, fmt.Errorf("malformed error reply: %w", err)
			}
			return nil, &se
		}
		if reply.Type != wantType {
			return nil, fmt.Errorf("expected %q reply, got %q", wantType, reply.Type)
		}
		return reply, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("timed out waiting for %q reply", wantType)
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop dispatches replies to their waiters and pushed events to the
// event channel. It owns teardown of both on connection loss.
func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.events)
		close(c.done)
		c.conn.Close()
	}()

	for {
		var f gateway.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}

		if f.Type == gateway.TypeDeviceEvent {
			var ev Event
			if err := json.Unmarshal(f.Payload, &ev); err != nil {
				continue
			}
			select {
			case c.events <- ev:
			default:
				// Monitoring is best-effort; drop when the consumer lags.
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &f
		}
	}
}
