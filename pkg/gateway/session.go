package gateway

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexhaptics/haplink/internal/logger"
	"github.com/nexhaptics/haplink/pkg/fault"
	"github.com/nexhaptics/haplink/pkg/security"
)

// Session close reasons surfaced in logs and metrics.
const (
	ReasonClientClosed  = "client-closed"
	ReasonHeartbeatLost = "heartbeat-lost"
	ReasonSlowConsumer  = "slow-consumer"
	ReasonWriteFailed   = "write-failed"
	ReasonProtocol      = "protocol-violation"
	ReasonAuth          = "auth"
	ReasonFatal         = "fatal"
	ReasonShutdown      = "shutdown"
	ReasonRevoked       = "revoked"
)

// Session is one authenticated client connection. Inbound messages are
// processed FIFO on the read loop; outbound frames flow through a single
// writer goroutine so per-producer event order is preserved.
type Session struct {
	// ID is the session identifier, stable for the session's lifetime.
	ID string

	// ConnectionID identifies the underlying transport connection.
	ConnectionID string

	// UserID is the authenticated principal.
	UserID string

	// Source is the client's network address without port.
	Source string

	gw   *Gateway
	conn *websocket.Conn

	permsMu sync.RWMutex
	perms   security.Permissions
	expires time.Time

	outbound chan *Frame

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	subsMu sync.Mutex
	subs   map[string]struct{}

	openedAt time.Time
}

// Permissions returns the session's current permission set.
func (s *Session) Permissions() security.Permissions {
	s.permsMu.RLock()
	defer s.permsMu.RUnlock()
	return s.perms
}

func (s *Session) setPermissions(p security.Permissions, expires time.Time) {
	s.permsMu.Lock()
	s.perms = p
	s.expires = expires
	s.permsMu.Unlock()
}

// subscribe adds an outbound filter for the device id ("*" matches all).
// Duplicate subscribes are idempotent.
func (s *Session) subscribe(deviceID string) {
	s.subsMu.Lock()
	s.subs[deviceID] = struct{}{}
	s.subsMu.Unlock()
}

func (s *Session) unsubscribe(deviceID string) {
	s.subsMu.Lock()
	delete(s.subs, deviceID)
	s.subsMu.Unlock()
}

func (s *Session) subscribedTo(deviceID string) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if _, ok := s.subs["*"]; ok {
		return true
	}
	_, ok := s.subs[deviceID]
	return ok
}

// send queues a frame for the writer. A full buffer means the client
// cannot keep up; dropping frames would reorder its event stream, so the
// session is terminated instead.
func (s *Session) send(f *Frame) {
	select {
	case s.outbound <- f:
	default:
		s.terminate(ReasonSlowConsumer)
	}
}

// sendError queues an error reply correlated to the request id.
func (s *Session) sendError(id string, err error) {
	body := errorBody(err)
	f, ferr := newFrame(id, TypeError, body, s.gw.sched.Now())
	if ferr != nil {
		return
	}
	if s.gw.metrics != nil {
		s.gw.metrics.MessageFailed(body.Code)
	}
	s.send(f)
}

// writePump is the session's single writer.
func (s *Session) writePump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.outbound:
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.gw.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.terminate(ReasonWriteFailed)
				return
			}
		}
	}
}

// pingPump runs the session heartbeat: a ping every PingInterval with a
// PingTimeout write deadline. Missed pongs surface on the read loop as a
// deadline error.
func (s *Session) pingPump() {
	ticker := time.NewTicker(s.gw.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(s.gw.cfg.PingTimeout)); err != nil {
				s.terminate(ReasonHeartbeatLost)
				return
			}
		}
	}
}

// readLoop processes inbound frames one at a time, in arrival order.
func (s *Session) readLoop() {
	s.conn.SetReadLimit(s.gw.cfg.ReadLimit)
	deadline := s.gw.cfg.PingInterval + s.gw.cfg.PingTimeout
	_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.terminate(ReasonHeartbeatLost)
			} else {
				s.terminate(ReasonClientClosed)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(deadline))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.sendError("", fault.Wrap(fault.KindProtocol, "malformed frame", err))
			s.terminate(ReasonProtocol)
			return
		}
		s.gw.handleMessage(s, &f)
	}
}

// terminate ends the session exactly once.
func (s *Session) terminate(reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		s.gw.dropSession(s, reason)

		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		_ = s.conn.Close()

		logger.Info("session closed",
			logger.KeySessionID, s.ID,
			logger.KeyUserID, s.UserID,
			logger.KeyReason, reason,
			logger.KeyDurationMs, s.gw.sched.Now().Sub(s.openedAt).Milliseconds(),
		)
	})
}
