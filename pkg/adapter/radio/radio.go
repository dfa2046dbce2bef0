// Package radio implements the protocol adapter for devices speaking the
// compact binary radio framing over a byte stream.
//
// Records are opcode|seq|len|payload with a two-byte big-endian length.
// Writes are chunked at the link MTU. Responses correlate by sequence
// byte; status notifications surface as typed adapter events.
package radio

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexhaptics/haplink/internal/logger"
	"github.com/nexhaptics/haplink/pkg/adapter"
	"github.com/nexhaptics/haplink/pkg/command"
	"github.com/nexhaptics/haplink/pkg/fault"
)

// Protocol is the registry tag for this adapter.
const Protocol = "radio"

// Record opcodes. Device-to-host opcodes have the high bit set.
const (
	opVibrate      byte = 0x01
	opRotate       byte = 0x02
	opPosition     byte = 0x03
	opStop         byte = 0x04
	opPatternStart byte = 0x05
	opPatternStop  byte = 0x06

	opAck    byte = 0x80
	opStatus byte = 0x81
	opError  byte = 0xFF
)

// recordHeaderLen is opcode + seq + 2-byte payload length.
const recordHeaderLen = 4

// maxPayloadLen bounds a single record's payload.
const maxPayloadLen = 1 << 12

// Dialer opens the underlying byte stream. The default dials TCP, which
// also serves the bridge daemons that proxy short-range radio links.
type Dialer func(ctx context.Context, address string) (io.ReadWriteCloser, error)

func netDialer(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// Config tunes one radio adapter.
type Config struct {
	// MTU caps each write to the link. Records longer than the MTU are
	// streamed in MTU-sized chunks.
	MTU int

	// SendTimeout bounds the wait for an acknowledgement per record.
	SendTimeout time.Duration

	// MaxReconnectAttempts bounds the automatic reconnect loop.
	MaxReconnectAttempts int

	// ReconnectDelay is the gap between reconnect attempts.
	ReconnectDelay time.Duration

	// Dialer overrides the transport; nil means TCP.
	Dialer Dialer
}

// DefaultConfig returns production defaults. The 20-byte MTU matches the
// smallest link the framing targets.
func DefaultConfig() Config {
	return Config{
		MTU:                  20,
		SendTimeout:          5 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       time.Second,
	}
}

// Adapter is the binary radio protocol adapter.
type Adapter struct {
	deviceID string
	address  string
	cfg      Config
	dial     Dialer
	emitter  *adapter.Emitter

	mu                sync.Mutex
	conn              io.ReadWriteCloser
	status            adapter.Status
	pending           map[byte]chan *record
	nextSeq           byte
	reconnectAttempts int
	closed            bool
	reconnectTimer    *time.Timer

	writeMu sync.Mutex

	netLatencyMs  atomic.Int64
	procLatencyMs atomic.Int64
}

type record struct {
	opcode  byte
	seq     byte
	payload []byte
}

// New creates a radio adapter for one device.
func New(deviceID, address string, cfg Config) *Adapter {
	dial := cfg.Dialer
	if dial == nil {
		dial = netDialer
	}
	return &Adapter{
		deviceID: deviceID,
		address:  address,
		cfg:      cfg,
		dial:     dial,
		emitter:  adapter.NewEmitter(deviceID),
		status:   adapter.StatusDisconnected,
		pending:  make(map[byte]chan *record),
	}
}

// NewFactory returns an adapter.Factory producing radio adapters with the
// given base configuration.
func NewFactory(cfg Config) adapter.Factory {
	return func(deviceID, address string, opts map[string]any) (adapter.Adapter, error) {
		if address == "" {
			return nil, fault.New(fault.KindConfiguration, "radio adapter requires an address")
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

	conn, err := a.dial(ctx, a.address)
	if err != nil {
		a.mu.Lock()
		a.status = adapter.StatusDisconnected
		a.mu.Unlock()
		return fault.Wrap(fault.KindConnection, "failed to open radio link", err).
			WithDetail("address", a.address)
	}

	a.mu.Lock()
	a.conn = conn
	a.status = adapter.StatusConnected
	a.reconnectAttempts = 0
	a.mu.Unlock()

	go a.readLoop(conn)

	a.emitter.Emit(adapter.EventConnected, nil)
	logger.Info("radio adapter connected",
		logger.KeyDeviceID, a.deviceID,
		logger.KeyAddress, a.address,
	)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	conn := a.conn
	timer := a.reconnectTimer
	a.conn = nil
	a.reconnectTimer = nil
	a.status = adapter.StatusDisconnected
	a.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	a.rejectPending()
	a.emitter.Emit(adapter.EventDisconnected, nil)
	return nil
}

func (a *Adapter) Send(ctx context.Context, cmd *command.Command) error {
	opcode, payload, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	_, err = a.roundTrip(ctx, opcode, payload)
	return err
}

// encodeCommand maps a command onto the compact record body. Intensity is
// scaled to a single byte; position axes are 16-bit fixed point.
func encodeCommand(cmd *command.Command) (byte, []byte, error) {
	switch cmd.Kind {
	case command.KindVibrate:
		return opVibrate, []byte{scaleIntensity(cmd.Intensity)}, nil
	case command.KindRotate:
		return opRotate, []byte{scaleIntensity(cmd.Intensity)}, nil
	case command.KindPosition:
		payload := make([]byte, 0, 2*len(cmd.Params))
		for _, axis := range []string{"x", "y", "z"} {
			v, ok := cmd.Params[axis]
			if !ok {
				continue
			}
			payload = binary.BigEndian.AppendUint16(payload, uint16(v*655.35))
		}
		if len(payload) == 0 {
			return 0, nil, fault.New(fault.KindInvalidCommand, "position command has no axes")
		}
		return opPosition, payload, nil
	case command.KindStop:
		return opStop, nil, nil
	case command.KindPatternStart:
		if len(cmd.Pattern) > maxPayloadLen {
			return 0, nil, fault.New(fault.KindInvalidCommand, "pattern name too long")
		}
		return opPatternStart, []byte(cmd.Pattern), nil
	case command.KindPatternStop:
		return opPatternStop, nil, nil
	default:
		return 0, nil, fault.Newf(fault.KindInvalidCommand, "kind %q has no radio encoding", cmd.Kind)
	}
}

func scaleIntensity(v float64) byte {
	if v <= 0 {
		return 0
	}
	if v >= 100 {
		return 255
	}
	return byte(v * 2.55)
}

func (a *Adapter) roundTrip(ctx context.Context, opcode byte, payload []byte) (*record, error) {
	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return nil, fault.New(fault.KindConnection, "adapter disconnected")
	}
	seq := a.nextSeq
	a.nextSeq++
	respCh := make(chan *record, 1)
	a.pending[seq] = respCh
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, seq)
		a.mu.Unlock()
	}()

	start := time.Now()
	if err := a.writeRecord(conn, &record{opcode: opcode, seq: seq, payload: payload}); err != nil {
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
		return nil, fault.New(fault.KindTimeout, "no acknowledgement from device").
			WithDetail("seq", int(seq))
	case resp := <-respCh:
		if resp == nil {
			return nil, fault.New(fault.KindConnection, "adapter disconnected")
		}
		a.netLatencyMs.Store(time.Since(start).Milliseconds())
		if resp.opcode == opError {
			return nil, fault.New(fault.KindCommand, "device rejected record").
				WithDetail("seq", int(seq))
		}
		return resp, nil
	}
}

// writeRecord frames and writes one record, chunked at the MTU.
func (a *Adapter) writeRecord(conn io.ReadWriteCloser, r *record) error {
	if len(r.payload) > maxPayloadLen {
		return fault.New(fault.KindInvalidCommand, "record payload exceeds limit")
	}
	buf := make([]byte, recordHeaderLen+len(r.payload))
	buf[0] = r.opcode
	buf[1] = r.seq
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(r.payload)))
	copy(buf[recordHeaderLen:], r.payload)

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	for len(buf) > 0 {
		chunk := buf
		if a.cfg.MTU > 0 && len(chunk) > a.cfg.MTU {
			chunk = chunk[:a.cfg.MTU]
		}
		n, err := conn.Write(chunk)
		if err != nil {
			return fault.Wrap(fault.KindConnection, "record write failed", err)
		}
		buf = buf[n:]
	}
	return nil
}

func (a *Adapter) readLoop(conn io.ReadWriteCloser) {
	header := make([]byte, recordHeaderLen)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			a.handleWireLoss(conn, err)
			return
		}
		length := binary.BigEndian.Uint16(header[2:4])
		if length > maxPayloadLen {
			a.handleWireLoss(conn, fault.New(fault.KindProtocol, "oversized record"))
			return
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			a.handleWireLoss(conn, err)
			return
		}
		a.dispatch(&record{opcode: header[0], seq: header[1], payload: payload})
	}
}

func (a *Adapter) dispatch(r *record) {
	a.mu.Lock()
	waiter, ok := a.pending[r.seq]
	a.mu.Unlock()

	if ok && (r.opcode == opAck || r.opcode == opError) {
		waiter <- r
		return
	}

	switch r.opcode {
	case opStatus:
		a.emitStatus(r.payload)
	case opError:
		a.emitter.Emit(adapter.EventError, func(e *adapter.Event) {
			e.Err = fault.New(fault.KindDevice, "device reported error")
		})
	default:
		logger.Debug("unsolicited record ignored",
			logger.KeyDeviceID, a.deviceID,
			"opcode", int(r.opcode),
		)
	}
}

// emitStatus decodes a status notification: battery percent, flags, and
// an optional 16-bit processing latency in milliseconds.
func (a *Adapter) emitStatus(payload []byte) {
	if len(payload) < 2 {
		return
	}
	state := map[string]any{
		"battery":  float64(payload[0]),
		"charging": payload[1]&0x01 != 0,
	}
	if len(payload) >= 4 {
		ms := binary.BigEndian.Uint16(payload[2:4])
		state["processing_latency_ms"] = float64(ms)
		a.procLatencyMs.Store(int64(ms))
	}
	a.emitter.Emit(adapter.EventStatusChanged, func(e *adapter.Event) { e.State = state })
}

func (a *Adapter) handleWireLoss(conn io.ReadWriteCloser, cause error) {
	a.mu.Lock()
	if a.closed || a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.status = adapter.StatusDisconnected
	attempts := a.reconnectAttempts
	a.mu.Unlock()

	_ = conn.Close()
	a.rejectPending()
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

	logger.Warn("radio link lost, scheduling reconnect",
		logger.KeyDeviceID, a.deviceID,
		logger.KeyAttempt, attempts+1,
		logger.KeyError, cause.Error(),
	)
}

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

	conn, err := a.dial(ctx, a.address)
	if err != nil {
		a.mu.Lock()
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
		a.status = adapter.StatusDisconnected
		a.reconnectAttempts = attempts + 1
		a.reconnectTimer = time.AfterFunc(a.cfg.ReconnectDelay, a.reconnect)
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	a.conn = conn
	a.status = adapter.StatusConnected
	a.reconnectAttempts = 0
	a.mu.Unlock()

	go a.readLoop(conn)
	a.emitter.Emit(adapter.EventConnected, nil)
}

func (a *Adapter) rejectPending() {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[byte]chan *record)
	a.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- nil:
		default:
		}
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
