// Package gateway terminates client sessions over a duplex websocket
// transport: it authenticates, frames and dispatches messages, enforces
// at-most-one control per device, and fans device and pattern events back
// to subscribers.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nexhaptics/haplink/internal/logger"
	"github.com/nexhaptics/haplink/internal/tracing"
	"github.com/nexhaptics/haplink/pkg/command"
	"github.com/nexhaptics/haplink/pkg/fault"
	"github.com/nexhaptics/haplink/pkg/pattern"
	"github.com/nexhaptics/haplink/pkg/registry"
	"github.com/nexhaptics/haplink/pkg/scheduler"
	"github.com/nexhaptics/haplink/pkg/security"
	"github.com/nexhaptics/haplink/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Config tunes the gateway.
type Config struct {
	// MaxConcurrentSessions refuses new sessions once reached. The
	// capacity check runs before any authentication work.
	MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions" validate:"min=1" yaml:"max_concurrent_sessions"`

	// PingInterval is the session heartbeat cadence.
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`

	// PingTimeout is the heartbeat deadline; on expiry the session is
	// terminated with reason heartbeat-lost.
	PingTimeout time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout"`

	// CommandTimeout bounds the wait for a submitted command to resolve.
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`

	// WriteTimeout bounds one outbound frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// OutboundBuffer is the per-session outbound frame queue depth. A
	// client that falls this far behind is disconnected.
	OutboundBuffer int `mapstructure:"outbound_buffer" yaml:"outbound_buffer"`

	// ReadLimit bounds one inbound frame in bytes.
	ReadLimit int64 `mapstructure:"read_limit" yaml:"read_limit"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSessions: 256,
		PingInterval:          20 * time.Second,
		PingTimeout:           10 * time.Second,
		CommandTimeout:        10 * time.Second,
		WriteTimeout:          5 * time.Second,
		OutboundBuffer:        64,
		ReadLimit:             64 * 1024,
	}
}

// Gateway accepts authenticated sessions and mediates between clients and
// the device plane.
type Gateway struct {
	cfg    Config
	guard  *security.Guard
	reg    *registry.Registry
	proc   *command.Processor
	engine *pattern.Engine
	sched  *scheduler.Scheduler

	// pipeline, when non-nil, receives session telemetry.
	pipeline *telemetry.Pipeline
	metrics  Metrics

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session // by connection id
	controls map[string]string   // device id -> controlling connection id
}

// New creates a gateway. Call Start before serving to wire event fan-out.
func New(cfg Config, guard *security.Guard, reg *registry.Registry,
	proc *command.Processor, engine *pattern.Engine, sched *scheduler.Scheduler) *Gateway {
	return &Gateway{
		cfg:    cfg,
		guard:  guard,
		reg:    reg,
		proc:   proc,
		engine: engine,
		sched:  sched,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
		controls: make(map[string]string),
	}
}

// SetTelemetry attaches the telemetry pipeline. Set before Start.
func (g *Gateway) SetTelemetry(p *telemetry.Pipeline) { g.pipeline = p }

// SetMetrics attaches gateway metrics. Set before serving.
func (g *Gateway) SetMetrics(m Metrics) { g.metrics = m }

// Start subscribes the gateway to registry and pattern-engine events so
// they reach subscribed sessions.
func (g *Gateway) Start() {
	g.reg.Subscribe(func(ev registry.Event) {
		g.broadcast(ev.Device.Info.ID, map[string]any{
			"event":     string(ev.Kind),
			"device_id": ev.Device.Info.ID,
			"status":    string(ev.Device.Status),
			"device":    ev.Device,
		})
		if ev.Kind == registry.EventRemoved {
			g.releaseDevice(ev.Device.Info.ID)
		}
	})
	g.engine.Listener = func(ev pattern.Event) {
		g.broadcast(ev.DeviceID, map[string]any{
			"event":     string(ev.Kind),
			"device_id": ev.DeviceID,
			"pattern":   ev.Pattern,
			"reason":    ev.Reason,
		})
	}
}

// SessionCount reports the number of live sessions.
func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Close terminates every session.
func (g *Gateway) Close() {
	g.mu.RLock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.RUnlock()
	for _, s := range sessions {
		s.terminate(ReasonShutdown)
	}
}

// ServeHTTP is the websocket endpoint: capacity check, admission,
// authentication, upgrade, welcome.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), tracing.SpanSessionAccept)
	defer span.End()

	source := sourceAddr(r)
	span.SetAttributes(attribute.String(tracing.AttrClientIP, source))

	g.mu.RLock()
	capacity := len(g.sessions) >= g.cfg.MaxConcurrentSessions
	g.mu.RUnlock()
	if capacity {
		g.rejectHTTP(w, http.StatusServiceUnavailable, "capacity",
			fault.New(fault.KindResource, "session capacity reached").
				WithDetail("max_sessions", g.cfg.MaxConcurrentSessions))
		return
	}

	if err := g.guard.AdmitConnection(source); err != nil {
		g.rejectHTTP(w, http.StatusForbidden, "ddos", err)
		return
	}

	principal, err := g.guard.Authenticate(source, bearerToken(r))
	if err != nil {
		tracing.RecordError(ctx, err)
		g.rejectHTTP(w, http.StatusUnauthorized, "auth", err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed",
			logger.KeyClientIP, source,
			logger.KeyError, err.Error(),
		)
		return
	}

	g.accept(conn, source, principal)
}

// accept registers the session and starts its pumps. The read loop runs
// on the caller's goroutine until the session ends.
func (g *Gateway) accept(conn *websocket.Conn, source string, principal *security.Principal) {
	now := g.sched.Now()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:           uuid.NewString(),
		ConnectionID: uuid.NewString(),
		UserID:       principal.UserID,
		Source:       source,
		gw:           g,
		conn:         conn,
		perms:        principal.Permissions,
		expires:      principal.ExpiresAt,
		outbound:     make(chan *Frame, g.cfg.OutboundBuffer),
		ctx:          ctx,
		cancel:       cancel,
		subs:         make(map[string]struct{}),
		openedAt:     now,
	}

	g.mu.Lock()
	g.sessions[s.ConnectionID] = s
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.SessionOpened()
	}
	g.track(telemetry.KindSession, s.ID, map[string]float64{"opened": 1}, nil)
	logger.Info("session opened",
		logger.KeySessionID, s.ID,
		logger.KeyConnectionID, s.ConnectionID,
		logger.KeyUserID, s.UserID,
		logger.KeyClientIP, source,
	)

	go s.writePump()
	go s.pingPump()

	if f, err := newFrame(uuid.NewString(), TypeWelcome, welcomePayload{
		SessionID:    s.ID,
		ConnectionID: s.ConnectionID,
		UserID:       s.UserID,
		ServerTime:   now.UnixMilli(),
		ExpiresAt:    principal.ExpiresAt.UnixMilli(),
	}, now); err == nil {
		s.send(f)
	}

	s.readLoop()
}

// dropSession removes all gateway state owned by the session. Called from
// Session.terminate exactly once.
func (g *Gateway) dropSession(s *Session, reason string) {
	g.mu.Lock()
	delete(g.sessions, s.ConnectionID)
	for deviceID, holder := range g.controls {
		if holder == s.ConnectionID {
			delete(g.controls, deviceID)
		}
	}
	g.mu.Unlock()

	g.proc.CancelSession(s.ID)
	if g.metrics != nil {
		g.metrics.SessionClosed(reason)
	}
	g.track(telemetry.KindSession, s.ID, map[string]float64{"closed": 1},
		map[string]string{"reason": reason})
}

// handleMessage dispatches one inbound frame. Failures reply with an
// error frame; only auth, protocol-violation, and fatal faults end the
// session.
func (g *Gateway) handleMessage(s *Session, f *Frame) {
	start := g.sched.Now()

	if _, err := g.guard.CheckMessage(s.ConnectionID, s.UserID); err != nil {
		s.sendError(f.ID, err)
		return
	}

	var err error
	switch f.Type {
	case TypePing:
		err = g.handlePing(s, f)
	case TypeCommand:
		err = g.handleCommand(s, f)
	case TypeStatus:
		err = g.handleStatus(s, f)
	case TypeSubscribe:
		err = g.handleSubscribe(s, f)
	case TypeUnsubscribe:
		err = g.handleUnsubscribe(s, f)
	case TypeList:
		err = g.handleList(s, f)
	case TypeConnect:
		err = g.handleConnect(s, f)
	case TypeDisconnect:
		err = g.handleDisconnect(s, f)
	case TypeAuthRefresh:
		err = g.handleAuthRefresh(s, f)
	default:
		err = fault.Newf(fault.KindInvalidCommand, "unknown message type %q", f.Type)
	}

	if g.metrics != nil {
		g.metrics.ObserveMessage(f.Type, g.sched.Now().Sub(start))
	}

	if err == nil {
		return
	}
	s.sendError(f.ID, err)
	g.track(telemetry.KindSession, s.ID, map[string]float64{"errors": 1},
		map[string]string{"type": f.Type, "kind": string(fault.KindOf(err))})

	if fault.IsTerminal(err) {
		reason := ReasonFatal
		switch fault.KindOf(err) {
		case fault.KindAuth:
			reason = ReasonAuth
		case fault.KindProtocol:
			reason = ReasonProtocol
		}
		s.terminate(reason)
	}
}

func (g *Gateway) handlePing(s *Session, f *Frame) error {
	reply, err := newFrame(f.ID, TypePong,
		map[string]int64{"server_time": g.sched.Now().UnixMilli()}, g.sched.Now())
	if err != nil {
		return err
	}
	s.send(reply)
	return nil
}

func (g *Gateway) handleCommand(s *Session, f *Frame) error {
	var req commandPayload
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return fault.Wrap(fault.KindInvalidCommand, "malformed command payload", err)
	}
	if req.DeviceID == "" {
		return fault.New(fault.KindValidation, "device_id required")
	}

	perms := s.Permissions()
	if err := g.guard.Authorize(s.UserID, perms.CanControl, "control device"); err != nil {
		return err
	}
	if !perms.InWindow(g.sched.Now()) {
		return fault.New(fault.KindAuthorization, "outside permitted control window")
	}
	if err := g.acquireControl(req.DeviceID, s.ConnectionID); err != nil {
		return err
	}
	if perms.MaxIntensity > 0 && req.Intensity > perms.MaxIntensity {
		return fault.Newf(fault.KindValidation,
			"intensity %.1f exceeds user cap %.1f", req.Intensity, perms.MaxIntensity)
	}

	switch command.Kind(req.Kind) {
	case command.KindPatternStart:
		return g.startPattern(s, f, &req, perms)
	case command.KindPatternStop:
		g.engine.Stop(req.DeviceID)
		return g.replySuccess(s, f, req.DeviceID, "")
	case command.KindVibrate, command.KindRotate, command.KindPosition, command.KindStop:
		return g.submitCommand(s, f, &req)
	default:
		return fault.Newf(fault.KindInvalidCommand, "unknown command kind %q", req.Kind)
	}
}

// submitCommand runs a discrete command through the processor and waits
// for its resolution.
func (g *Gateway) submitCommand(s *Session, f *Frame, req *commandPayload) error {
	cmd := command.New(req.DeviceID, command.Kind(req.Kind), req.Intensity)
	cmd.SessionID = s.ID
	cmd.Seq = req.Seq
	cmd.Params = req.Params
	cmd.Priority = command.ParsePriority(req.Priority)
	if req.DeadlineMs > 0 {
		cmd.Deadline = time.UnixMilli(req.DeadlineMs)
	}

	if err := g.proc.Submit(cmd); err != nil {
		return err
	}
	if err := cmd.Wait(g.cfg.CommandTimeout); err != nil {
		if err == command.ErrWaitTimeout {
			return fault.New(fault.KindTimeout, "command did not resolve in time")
		}
		return err
	}

	g.track(telemetry.KindCommand, req.DeviceID, map[string]float64{
		"count":     1,
		"intensity": req.Intensity,
	}, map[string]string{"kind": req.Kind})
	return g.replySuccess(s, f, req.DeviceID, cmd.ID)
}

// startPattern validates permissions and device policy, builds the
// pattern from its spec, and starts the engine instance.
func (g *Gateway) startPattern(s *Session, f *Frame, req *commandPayload, perms security.Permissions) error {
	if req.Spec == nil {
		return fault.New(fault.KindValidation, "pattern_start requires a pattern_spec")
	}
	name := req.Pattern
	if name == "" {
		name = req.Spec.Type
	}
	if !perms.PatternAllowed(req.Spec.Type) {
		return fault.Newf(fault.KindAuthorization, "pattern type %q not permitted", req.Spec.Type)
	}
	if limits, ok := g.reg.Limits(req.DeviceID); ok {
		if limits.PatternAllowed != nil && !limits.PatternAllowed(req.Spec.Type) {
			return fault.Newf(fault.KindValidation, "pattern type %q not allowed for device", req.Spec.Type)
		}
	} else {
		return fault.Newf(fault.KindDeviceNotFound, "device %s not found", req.DeviceID)
	}

	p, err := req.Spec.Build()
	if err != nil {
		return err
	}
	resolution := time.Duration(req.ResolutionMs) * time.Millisecond
	if err := g.engine.Start(req.DeviceID, name, p, resolution); err != nil {
		return err
	}

	g.track(telemetry.KindPattern, req.DeviceID, map[string]float64{"started": 1},
		map[string]string{"pattern": name})
	return g.replySuccess(s, f, req.DeviceID, "")
}

func (g *Gateway) replySuccess(s *Session, f *Frame, deviceID, commandID string) error {
	body := map[string]string{"device_id": deviceID}
	if commandID != "" {
		body["command_id"] = commandID
	}
	reply, err := newFrame(f.ID, TypeCommandSuccess, body, g.sched.Now())
	if err != nil {
		return err
	}
	s.send(reply)
	return nil
}

func (g *Gateway) handleStatus(s *Session, f *Frame) error {
	var req devicePayload
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return fault.Wrap(fault.KindInvalidCommand, "malformed status payload", err)
	}
	if err := g.guard.Authorize(s.UserID, s.Permissions().CanMonitor, "monitor device"); err != nil {
		return err
	}
	rec, ok := g.reg.Get(req.DeviceID)
	if !ok {
		return fault.Newf(fault.KindDeviceNotFound, "device %s not found", req.DeviceID)
	}
	reply, err := newFrame(f.ID, TypeDeviceStatus, rec, g.sched.Now())
	if err != nil {
		return err
	}
	s.send(reply)
	return nil
}

func (g *Gateway) handleSubscribe(s *Session, f *Frame) error {
	var req devicePayload
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return fault.Wrap(fault.KindInvalidCommand, "malformed subscribe payload", err)
	}
	if req.DeviceID == "" {
		return fault.New(fault.KindValidation, "device_id required")
	}
	if err := g.guard.Authorize(s.UserID, s.Permissions().CanMonitor, "subscribe device"); err != nil {
		return err
	}
	s.subscribe(req.DeviceID)
	reply, err := newFrame(f.ID, TypeSubscribeSuccess,
		devicePayload{DeviceID: req.DeviceID}, g.sched.Now())
	if err != nil {
		return err
	}
	s.send(reply)
	return nil
}

func (g *Gateway) handleUnsubscribe(s *Session, f *Frame) error {
	var req devicePayload
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return fault.Wrap(fault.KindInvalidCommand, "malformed unsubscribe payload", err)
	}
	s.unsubscribe(req.DeviceID)
	reply, err := newFrame(f.ID, TypeUnsubscribeSuccess,
		devicePayload{DeviceID: req.DeviceID}, g.sched.Now())
	if err != nil {
		return err
	}
	s.send(reply)
	return nil
}

func (g *Gateway) handleList(s *Session, f *Frame) error {
	if err := g.guard.Authorize(s.UserID, s.Permissions().CanMonitor, "list devices"); err != nil {
		return err
	}
	reply, err := newFrame(f.ID, TypeDeviceList,
		map[string]any{"devices": g.reg.List()}, g.sched.Now())
	if err != nil {
		return err
	}
	s.send(reply)
	return nil
}

// handleConnect opens a device's wire. Configuration operations require
// the configure permission, not control.
func (g *Gateway) handleConnect(s *Session, f *Frame) error {
	var req devicePayload
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return fault.Wrap(fault.KindInvalidCommand, "malformed connect payload", err)
	}
	if req.DeviceID == "" {
		return fault.New(fault.KindValidation, "device_id required")
	}
	if err := g.guard.Authorize(s.UserID, s.Permissions().CanConfigure, "connect device"); err != nil {
		return err
	}
	if err := g.reg.Connect(s.ctx, req.DeviceID); err != nil {
		return err
	}
	reply, err := newFrame(f.ID, TypeConnectSuccess,
		devicePayload{DeviceID: req.DeviceID}, g.sched.Now())
	if err != nil {
		return err
	}
	s.send(reply)
	return nil
}

func (g *Gateway) handleDisconnect(s *Session, f *Frame) error {
	var req devicePayload
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return fault.Wrap(fault.KindInvalidCommand, "malformed disconnect payload", err)
	}
	if req.DeviceID == "" {
		return fault.New(fault.KindValidation, "device_id required")
	}
	if err := g.guard.Authorize(s.UserID, s.Permissions().CanConfigure, "disconnect device"); err != nil {
		return err
	}
	if err := g.reg.Disconnect(s.ctx, req.DeviceID); err != nil {
		return err
	}
	reply, err := newFrame(f.ID, TypeDisconnectSuccess,
		devicePayload{DeviceID: req.DeviceID}, g.sched.Now())
	if err != nil {
		return err
	}
	s.send(reply)
	return nil
}

// handleAuthRefresh swaps the session's permission set for the one named
// by a fresh credential. The reply is a new welcome frame.
func (g *Gateway) handleAuthRefresh(s *Session, f *Frame) error {
	var req authRefreshPayload
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return fault.Wrap(fault.KindInvalidCommand, "malformed auth payload", err)
	}
	principal, err := g.guard.Authenticate(s.Source, req.Token)
	if err != nil {
		return err
	}
	if principal.UserID != s.UserID {
		return fault.New(fault.KindAuth, "credential names a different principal")
	}
	s.setPermissions(principal.Permissions, principal.ExpiresAt)

	now := g.sched.Now()
	reply, err := newFrame(f.ID, TypeWelcome, welcomePayload{
		SessionID:    s.ID,
		ConnectionID: s.ConnectionID,
		UserID:       s.UserID,
		ServerTime:   now.UnixMilli(),
		ExpiresAt:    principal.ExpiresAt.UnixMilli(),
	}, now)
	if err != nil {
		return err
	}
	s.send(reply)
	return nil
}

// acquireControl grants the connection control of the device, or fails
// with device-busy when another live session holds it. Monitoring is not
// affected; only command issuance requires control.
func (g *Gateway) acquireControl(deviceID, connectionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if holder, ok := g.controls[deviceID]; ok && holder != connectionID {
		if _, live := g.sessions[holder]; live {
			return fault.Newf(fault.KindDeviceBusy, "device %s is controlled by another session", deviceID)
		}
	}
	g.controls[deviceID] = connectionID
	return nil
}

// releaseDevice drops the control claim for a removed device.
func (g *Gateway) releaseDevice(deviceID string) {
	g.mu.Lock()
	delete(g.controls, deviceID)
	g.mu.Unlock()
}

// broadcast delivers a device event to every subscribed session. The
// registry and engine emit synchronously, so per-producer order is
// preserved end to end.
func (g *Gateway) broadcast(deviceID string, payload any) {
	g.mu.RLock()
	var targets []*Session
	for _, s := range g.sessions {
		if s.subscribedTo(deviceID) {
			targets = append(targets, s)
		}
	}
	g.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	now := g.sched.Now()
	for _, s := range targets {
		f, err := newFrame(uuid.NewString(), TypeDeviceEvent, payload, now)
		if err != nil {
			return
		}
		s.send(f)
		if g.metrics != nil {
			g.metrics.EventDelivered()
		}
	}
}

// track feeds the telemetry pipeline when one is attached.
func (g *Gateway) track(kind, source string, values map[string]float64, ctx map[string]string) {
	if g.pipeline == nil {
		return
	}
	g.pipeline.Track(telemetry.Point{
		Kind:    kind,
		Source:  source,
		Values:  values,
		Context: ctx,
	})
}

// rejectHTTP refuses a session before upgrade with a structured error.
func (g *Gateway) rejectHTTP(w http.ResponseWriter, status int, reason string, err error) {
	if g.metrics != nil {
		g.metrics.SessionRejected(reason)
	}
	body := errorBody(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// bearerToken extracts the credential from the handshake: either the
// token query parameter or an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// sourceAddr strips the port from the client address.
func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
