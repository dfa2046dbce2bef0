// Package duplex implements the protocol adapter for devices reachable
// over a duplex framed-message transport (websocket).
//
// Frames are JSON objects {id, type, payload, timestamp}. Responses are
// dispatched by correlation id; unsolicited frames surface as adapter
// events. The adapter owns its heartbeat and reconnect loop.
package duplex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nexhaptics/haplink/internal/logger"
	"github.com/nexhaptics/haplink/pkg/adapter"
	"github.com/nexhaptics/haplink/pkg/command"
	"github.com/nexhaptics/haplink/pkg/fault"
	"github.com/nexhaptics/haplink/pkg/security"
)

// Protocol is the registry tag for this adapter.
const Protocol = "duplex"

// Config tunes one duplex adapter.
type Config struct {
	// PingInterval is the heartbeat cadence.
	PingInterval time.Duration

	// PongTimeout is the heartbeat deadline; a missed pong is treated as
	// a transient wire failure.
	PongTimeout time.Duration

	// MaxReconnectAttempts bounds the automatic reconnect loop. When
	// exhausted, the adapter stays disconnected and emits an ERROR event.
	MaxReconnectAttempts int

	// ReconnectDelay is the gap between reconnect attempts.
	ReconnectDelay time.Duration

	// SendTimeout bounds the wait for a response frame per send.
	SendTimeout time.Duration

	// Keyring, when non-nil, encrypts outbound and decrypts inbound
	// frame payloads.
	Keyring *security.Keyring
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:         15 * time.Second,
		PongTimeout:          10 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       time.Second,
		SendTimeout:          5 * time.Second,
	}
}

// frame is the wire format shared with the device firmware.
type frame struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// commandPayload is the encoded command body.
type commandPayload struct {
	Kind      string             `json:"kind"`
	Intensity float64            `json:"intensity"`
	Pattern   string             `json:"pattern,omitempty"`
	Params    map[string]float64 `json:"params,omitempty"`
}

// batchPayload carries several commands with embedded correlation ids.
type batchPayload struct {
	Commands []batchEntry `json:"commands"`
}

type batchEntry struct {
	ID string `json:"id"`
	commandPayload
}

// Adapter is the duplex-stream protocol adapter.
type Adapter struct {
	deviceID string
	address  string
	cfg      Config
	emitter  *adapter.Emitter
	dialer   *websocket.Dialer

	mu                sync.Mutex
	conn              *websocket.Conn
	status            adapter.Status
	pending           map[string]chan *frame
	reconnectAttempts int
	closed            bool
	readCancel        context.CancelFunc
	reconnectTimer    *time.Timer

	writeMu sync.Mutex

	netLatencyMs  atomic.Int64
	procLatencyMs atomic.Int64
}

// New creates a duplex adapter for one device. Satisfies adapter.Factory
// via NewFactory.
func New(deviceID, address string, cfg Config) *Adapter {
	return &Adapter{
		deviceID: deviceID,
		address:  address,
		cfg:      cfg,
		emitter:  adapter.NewEmitter(deviceID),
		dialer:   websocket.DefaultDialer,
		status:   adapter.StatusDisconnected,
		pending:  make(map[string]chan *frame),
	}
}

// NewFactory returns an adapter.Factory producing duplex adapters with
// the given base configuration.
func NewFactory(cfg Config) adapter.Factory {
	return func(deviceID, address string, opts map[string]any) (adapter.Adapter, error) {
		if address == "" {
			return nil, fault.New(fault.KindConfiguration, "duplex adapter requires an address")
		}
		return New(deviceID, address, cfg), nil
	}
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.status == adapter.StatusConnected {
		a.mu.Unlock()
		return nil
	}
	a.status = adapter.StatusConnecting
	a.closed = false
	a.mu.Unlock()

	conn, _, err := a.dialer.DialContext(ctx, a.address, nil)
	if err != nil {
		a.mu.Lock()
		a.status = adapter.StatusDisconnected
		a.mu.Unlock()
		return fault.Wrap(fault.KindConnection, "failed to open duplex transport", err).
			WithDetail("address", a.address)
	}

	readCtx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.conn = conn
	a.status = adapter.StatusConnected
	a.reconnectAttempts = 0
	a.readCancel = cancel
	a.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(a.cfg.PingInterval + a.cfg.PongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(a.cfg.PingInterval + a.cfg.PongTimeout))

	go a.readLoop(readCtx, conn)
	go a.pingLoop(readCtx, conn)

	a.emitter.Emit(adapter.EventConnected, nil)
	logger.Info("duplex adapter connected",
		logger.KeyDeviceID, a.deviceID,
		logger.KeyAddress, a.address,
	)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	conn := a.conn
	cancel := a.readCancel
	timer := a.reconnectTimer
	a.conn = nil
	a.readCancel = nil
	a.reconnectTimer = nil
	a.status = adapter.StatusDisconnected
	a.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	a.rejectPending(fault.New(fault.KindConnection, "adapter disconnected"))
	a.emitter.Emit(adapter.EventDisconnected, nil)
	return nil
}

func (a *Adapter) Send(ctx context.Context, cmd *command.Command) error {
	payload, err := json.Marshal(commandPayload{
		Kind:      string(cmd.Kind),
		Intensity: cmd.Intensity,
		Pattern:   cmd.Pattern,
		Params:    cmd.Params,
	})
	if err != nil {
		return fault.Wrap(fault.KindCommand, "failed to encode command", err)
	}
	_, err = a.roundTrip(ctx, &frame{
		ID:        cmd.ID,
		Type:      "command",
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	return err
}

// SendBatch delivers several commands in one wire frame. The response
// frame carries one entry per correlation id; a missing transport
// capability falls back to per-command framing.
func (a *Adapter) SendBatch(ctx context.Context, cmds []*command.Command) error {
	if len(cmds) == 1 {
		return a.Send(ctx, cmds[0])
	}
	entries := make([]batchEntry, len(cmds))
	for i, cmd := range cmds {
		entries[i] = batchEntry{
			ID: cmd.ID,
			commandPayload: commandPayload{
				Kind:      string(cmd.Kind),
				Intensity: cmd.Intensity,
				Pattern:   cmd.Pattern,
				Params:    cmd.Params,
			},
		}
	}
	payload, err := json.Marshal(batchPayload{Commands: entries})
	if err != nil {
		return fault.Wrap(fault.KindCommand, "failed to encode batch", err)
	}
	_, err = a.roundTrip(ctx, &frame{
		ID:        uuid.NewString(),
		Type:      "batch",
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	return err
}

// roundTrip writes a frame and waits for the correlated response.
func (a *Adapter) roundTrip(ctx context.Context, f *frame) (*frame, error) {
	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return nil, fault.New(fault.KindConnection, "adapter disconnected")
	}
	respCh := make(chan *frame, 1)
	a.pending[f.ID] = respCh
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, f.ID)
		a.mu.Unlock()
	}()

	start := time.Now()
	if err := a.writeFrame(conn, f); err != nil {
		return nil, err
	}

	timeout := a.cfg.SendTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, fault.Wrap(fault.KindTimeout, "send cancelled", ctx.Err())
	case <-timer.C:
		return nil, fault.New(fault.KindTimeout, "no response from device").
			WithDetail("frame_id", f.ID)
	case resp := <-respCh:
		if resp == nil {
			return nil, fault.New(fault.KindConnection, "adapter disconnected")
		}
		a.netLatencyMs.Store(time.Since(start).Milliseconds())
		if resp.Type == "error" {
			return nil, fault.New(fault.KindCommand, "device rejected command").
				WithDetail("frame_id", f.ID)
		}
		return resp, nil
	}
}

func (a *Adapter) writeFrame(conn *websocket.Conn, f *frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fault.Wrap(fault.KindProtocol, "failed to encode frame", err)
	}
	if a.cfg.Keyring != nil {
		env, err := a.cfg.Keyring.Encrypt(data)
		if err != nil {
			return fault.Wrap(fault.KindSecurity, "failed to encrypt frame", err)
		}
		if data, err = security.MarshalEnvelope(env); err != nil {
			return fault.Wrap(fault.KindSecurity, "failed to encode envelope", err)
		}
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fault.Wrap(fault.KindConnection, "frame write failed", err)
	}
	return nil
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				a.handleWireLoss(conn, err)
			}
			return
		}

		if a.cfg.Keyring != nil {
			env, err := security.UnmarshalEnvelope(data)
			if err == nil {
				if data, err = a.cfg.Keyring.Decrypt(env); err != nil {
					a.emitter.Emit(adapter.EventError, func(e *adapter.Event) { e.Err = err })
					continue
				}
			}
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			a.emitter.Emit(adapter.EventError, func(e *adapter.Event) {
				e.Err = fault.Wrap(fault.KindInvalidResponse, "malformed frame", err)
			})
			continue
		}
		a.dispatch(&f)
	}
}

// dispatch routes a response to its waiter or emits it as an event.
func (a *Adapter) dispatch(f *frame) {
	a.mu.Lock()
	waiter, ok := a.pending[f.ID]
	a.mu.Unlock()

	if ok {
		waiter <- f
		return
	}

	switch f.Type {
	case "status":
		var state map[string]any
		_ = json.Unmarshal(f.Payload, &state)
		if ms, ok := state["processing_latency_ms"].(float64); ok {
			a.procLatencyMs.Store(int64(ms))
		}
		a.emitter.Emit(adapter.EventStatusChanged, func(e *adapter.Event) { e.State = state })
	case "error":
		a.emitter.Emit(adapter.EventError, func(e *adapter.Event) {
			e.Err = fault.New(fault.KindDevice, "device reported error")
		})
	default:
		logger.Debug("unsolicited frame ignored",
			logger.KeyDeviceID, a.deviceID,
			"frame_type", f.Type,
		)
	}
}

func (a *Adapter) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(a.cfg.PongTimeout))
			a.writeMu.Unlock()
			if err != nil {
				if ctx.Err() == nil {
					a.handleWireLoss(conn, err)
				}
				return
			}
		}
	}
}

// handleWireLoss reacts to a transient wire failure: reject pending sends,
// emit DISCONNECTED, and schedule a reconnect while the attempt budget
// lasts. Explicit Disconnect never reaches here.
func (a *Adapter) handleWireLoss(conn *websocket.Conn, cause error) {
	a.mu.Lock()
	if a.closed || a.conn != conn {
		a.mu.Unlock()
		return
	}
	if a.readCancel != nil {
		a.readCancel()
		a.readCancel = nil
	}
	a.conn = nil
	a.status = adapter.StatusDisconnected
	attempts := a.reconnectAttempts
	a.mu.Unlock()

	_ = conn.Close()
	a.rejectPending(fault.Wrap(fault.KindConnection, "wire lost", cause))
	a.emitter.Emit(adapter.EventDisconnected, func(e *adapter.Event) { e.Err = cause })

	if attempts >= a.cfg.MaxReconnectAttempts {
		a.mu.Lock()
		a.status = adapter.StatusError
		a.mu.Unlock()
		a.emitter.Emit(adapter.EventError, func(e *adapter.Event) {
			e.Err = fault.Wrap(fault.KindConnection, "reconnect attempts exhausted", cause).
				WithCategory(fault.CategoryPersistent)
		})
		return
	}

	a.mu.Lock()
	a.reconnectAttempts = attempts + 1
	a.reconnectTimer = time.AfterFunc(a.cfg.ReconnectDelay, a.reconnect)
	a.mu.Unlock()

	logger.Warn("duplex wire lost, scheduling reconnect",
		logger.KeyDeviceID, a.deviceID,
		logger.KeyAttempt, attempts+1,
		logger.KeyError, cause.Error(),
	)
}

// reconnect attempts to restore the wire once; failure re-enters
// handleWireLoss accounting through the shared path below.
func (a *Adapter) reconnect() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	attempts := a.reconnectAttempts
	a.status = adapter.StatusConnecting
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SendTimeout)
	defer cancel()

	conn, _, err := a.dialer.DialContext(ctx, a.address, nil)
	if err != nil {
		a.mu.Lock()
		a.status = adapter.StatusDisconnected
		if a.closed {
			a.mu.Unlock()
			return
		}
		if attempts >= a.cfg.MaxReconnectAttempts {
			a.status = adapter.StatusError
			a.mu.Unlock()
			a.emitter.Emit(adapter.EventError, func(e *adapter.Event) {
				e.Err = fault.Wrap(fault.KindConnection, "reconnect attempts exhausted", err).
					WithCategory(fault.CategoryPersistent)
			})
			return
		}
		a.reconnectAttempts = attempts + 1
		a.reconnectTimer = time.AfterFunc(a.cfg.ReconnectDelay, a.reconnect)
		a.mu.Unlock()
		return
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.conn = conn
	a.status = adapter.StatusConnected
	a.reconnectAttempts = 0
	a.readCancel = readCancel
	a.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(a.cfg.PingInterval + a.cfg.PongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(a.cfg.PingInterval + a.cfg.PongTimeout))

	go a.readLoop(readCtx, conn)
	go a.pingLoop(readCtx, conn)
	a.emitter.Emit(adapter.EventConnected, nil)
}

// rejectPending resolves every in-flight round trip with nil, which the
// waiter translates into a disconnected error.
func (a *Adapter) rejectPending(err error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[string]chan *frame)
	a.mu.Unlock()

	for id, ch := range pending {
		select {
		case ch <- nil:
		default:
		}
		logger.Debug("pending send rejected",
			logger.KeyDeviceID, a.deviceID,
			"frame_id", id,
			logger.KeyError, err.Error(),
		)
	}
}

func (a *Adapter) Subscribe(l adapter.Listener) func() {
	return a.emitter.Subscribe(l)
}

func (a *Adapter) Status() adapter.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) Latency() adapter.Latency {
	return adapter.Latency{
		Network:    time.Duration(a.netLatencyMs.Load()) * time.Millisecond,
		Processing: time.Duration(a.procLatencyMs.Load()) * time.Millisecond,
	}
}

// String identifies the adapter in logs.
func (a *Adapter) String() string {
	return fmt.Sprintf("duplex(%s)", a.deviceID)
}
