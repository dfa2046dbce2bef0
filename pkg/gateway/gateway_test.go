package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexhaptics/haplink/pkg/adapter"
	"github.com/nexhaptics/haplink/pkg/command"
	"github.com/nexhaptics/haplink/pkg/device"
	"github.com/nexhaptics/haplink/pkg/fault"
	"github.com/nexhaptics/haplink/pkg/pattern"
	"github.com/nexhaptics/haplink/pkg/registry"
	"github.com/nexhaptics/haplink/pkg/scheduler"
	"github.com/nexhaptics/haplink/pkg/security"
	"github.com/nexhaptics/haplink/pkg/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// fakeAdapter accepts everything and records sent commands.
type fakeAdapter struct {
	emitter *adapter.Emitter

	mu   sync.Mutex
	sent []*command.Command
}

func newFakeAdapter(deviceID string) *fakeAdapter {
	return &fakeAdapter{emitter: adapter.NewEmitter(deviceID)}
}

func (f *fakeAdapter) Connect(ctx context.Context) error    { return nil }
func (f *fakeAdapter) Disconnect(ctx context.Context) error { return nil }

func (f *fakeAdapter) Send(ctx context.Context, cmd *command.Command) error {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Subscribe(l adapter.Listener) func() { return f.emitter.Subscribe(l) }
func (f *fakeAdapter) Status() adapter.Status              { return adapter.StatusConnected }
func (f *fakeAdapter) Latency() adapter.Latency            { return adapter.Latency{} }

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	t       *testing.T
	tokens  *security.TokenService
	guard   *security.Guard
	reg     *registry.Registry
	proc    *command.Processor
	engine  *pattern.Engine
	gw      *Gateway
	srv     *httptest.Server
	adapter *fakeAdapter
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	tokens, err := security.NewTokenService(security.TokenConfig{Secret: testSecret})
	require.NoError(t, err)

	guardCfg := security.DefaultConfig()
	guard, err := security.New(guardCfg, tokens, nil, nil)
	require.NoError(t, err)

	sched := scheduler.New(nil)
	h := &harness{t: t, tokens: tokens, guard: guard, adapter: newFakeAdapter("dev-1")}

	factories := map[string]adapter.Factory{
		"test": func(deviceID, address string, opts map[string]any) (adapter.Adapter, error) {
			return h.adapter, nil
		},
	}
	h.reg = registry.New(registry.DefaultConfig(), memory.New(), sched, factories)

	procCfg := command.DefaultConfig()
	h.proc = command.NewProcessor(procCfg, h.reg.Limits, nil)
	h.reg.Subscribe(func(ev registry.Event) {
		switch ev.Kind {
		case registry.EventConnected:
			h.proc.Register(ev.Device.Info.ID, h.reg)
		case registry.EventRemoved:
			h.proc.Deregister(ev.Device.Info.ID)
		}
	})

	h.engine = pattern.NewEngine(pattern.DefaultConfig(), sched, h.proc,
		func(id string) (float64, bool) {
			limits, ok := h.reg.Limits(id)
			return limits.IntensityCap, ok
		}, h.reg.LatencyOffset)

	cfg := DefaultConfig()
	cfg.CommandTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	h.gw = New(cfg, guard, h.reg, h.proc, h.engine, sched)
	h.gw.Start()

	h.srv = httptest.NewServer(h.gw)
	t.Cleanup(func() {
		h.srv.Close()
		h.gw.Close()
		h.proc.Close()
		h.reg.Close(context.Background())
	})
	return h
}

func (h *harness) addDevice(t *testing.T, id string) {
	t.Helper()
	_, err := h.reg.AddOrUpdate(context.Background(), device.Info{
		ID:       id,
		Kind:     device.KindGenericVibrator,
		Protocol: "test",
		Address:  "test://" + id,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, h.reg.Connect(context.Background(), id))
}

func (h *harness) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

// dial connects and consumes the welcome frame.
func (h *harness) dial(t *testing.T, perms security.Permissions) (*websocket.Conn, welcomePayload) {
	t.Helper()
	token, err := h.tokens.Issue("alice", perms)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	f := readFrame(t, conn)
	require.Equal(t, TypeWelcome, f.Type)
	var welcome welcomePayload
	require.NoError(t, json.Unmarshal(f.Payload, &welcome))
	return conn, welcome
}

func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return &f
}

func writeFrame(t *testing.T, conn *websocket.Conn, id, frameType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{ID: id, Type: frameType, Payload: data}))
}

func TestRejectsInvalidToken(t *testing.T) {
	h := newHarness(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("not-a-token"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body errorPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Code)
}

func TestWelcomeAndPing(t *testing.T) {
	h := newHarness(t, nil)
	conn, welcome := h.dial(t, security.Permissions{CanControl: true, CanMonitor: true})

	assert.NotEmpty(t, welcome.SessionID)
	assert.NotEmpty(t, welcome.ConnectionID)
	assert.Equal(t, "alice", welcome.UserID)

	writeFrame(t, conn, "req-1", TypePing, nil)
	f := readFrame(t, conn)
	assert.Equal(t, TypePong, f.Type)
	assert.Equal(t, "req-1", f.ID)
}

func TestBearerHeaderAuth(t *testing.T) {
	h := newHarness(t, nil)
	token, err := h.tokens.Issue("alice", security.Permissions{CanMonitor: true})
	require.NoError(t, err)

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(""), header)
	require.NoError(t, err)
	defer conn.Close()

	f := readFrame(t, conn)
	assert.Equal(t, TypeWelcome, f.Type)
}

func TestDeviceCommandRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	h.addDevice(t, "dev-1")
	conn, _ := h.dial(t, security.Permissions{CanControl: true, CanMonitor: true})

	writeFrame(t, conn, "req-1", TypeCommand, commandPayload{
		DeviceID:  "dev-1",
		Kind:      "vibrate",
		Intensity: 40,
	})
	f := readFrame(t, conn)
	require.Equal(t, TypeCommandSuccess, f.Type)
	assert.Equal(t, "req-1", f.ID)
	assert.Equal(t, 1, h.adapter.sentCount())
}

func TestCommandToUnknownDeviceCode(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.dial(t, security.Permissions{CanControl: true, CanMonitor: true})

	writeFrame(t, conn, "req-1", TypeCommand, commandPayload{
		DeviceID: "ghost", Kind: "vibrate", Intensity: 10,
	})
	f := readFrame(t, conn)
	require.Equal(t, TypeError, f.Type)

	var body errorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &body))
	assert.Equal(t, "DEVICE_NOT_FOUND", body.Code)

	writeFrame(t, conn, "req-2", TypeStatus, devicePayload{DeviceID: "ghost"})
	f = readFrame(t, conn)
	require.Equal(t, TypeError, f.Type)
	require.NoError(t, json.Unmarshal(f.Payload, &body))
	assert.Equal(t, "DEVICE_NOT_FOUND", body.Code)
}

func TestErrorBodyCarriesCircuitOpen(t *testing.T) {
	br := fault.NewBreaker("adapter:dev-1", fault.BreakerConfig{FailureThreshold: 1})
	wireErr := fault.New(fault.KindConnection, "wire lost")
	_ = br.Execute(func() error { return wireErr })

	err := br.Execute(func() error { return nil })
	require.Error(t, err)

	body := errorBody(err)
	assert.Equal(t, "CIRCUIT_OPEN", body.Code)
	assert.NotContains(t, body.Message, "goroutine", "no internals leak to clients")
}

func TestCommandRequiresControlPermission(t *testing.T) {
	h := newHarness(t, nil)
	h.addDevice(t, "dev-1")
	conn, _ := h.dial(t, security.Permissions{CanMonitor: true})

	writeFrame(t, conn, "req-1", TypeCommand, commandPayload{
		DeviceID: "dev-1", Kind: "vibrate", Intensity: 10,
	})
	f := readFrame(t, conn)
	require.Equal(t, TypeError, f.Type)

	var body errorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &body))
	assert.Equal(t, "AUTHZ_ERROR", body.Code)

	// Authorization failures are not terminal; the session survives.
	writeFrame(t, conn, "req-2", TypePing, nil)
	assert.Equal(t, TypePong, readFrame(t, conn).Type)
}

func TestIntensityCapFromPermissions(t *testing.T) {
	h := newHarness(t, nil)
	h.addDevice(t, "dev-1")
	conn, _ := h.dial(t, security.Permissions{CanControl: true, MaxIntensity: 50})

	writeFrame(t, conn, "req-1", TypeCommand, commandPayload{
		DeviceID: "dev-1", Kind: "vibrate", Intensity: 80,
	})
	f := readFrame(t, conn)
	require.Equal(t, TypeError, f.Type)

	var body errorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &body))
	assert.Equal(t, "VALIDATION_ERROR", body.Code)
	assert.Equal(t, 0, h.adapter.sentCount())
}

func TestSecondSessionGetsDeviceBusy(t *testing.T) {
	h := newHarness(t, nil)
	h.addDevice(t, "dev-1")
	perms := security.Permissions{CanControl: true}

	first, _ := h.dial(t, perms)
	writeFrame(t, first, "a-1", TypeCommand, commandPayload{
		DeviceID: "dev-1", Kind: "vibrate", Intensity: 10,
	})
	require.Equal(t, TypeCommandSuccess, readFrame(t, first).Type)

	second, _ := h.dial(t, perms)
	writeFrame(t, second, "b-1", TypeCommand, commandPayload{
		DeviceID: "dev-1", Kind: "vibrate", Intensity: 10,
	})
	f := readFrame(t, second)
	require.Equal(t, TypeError, f.Type)

	var body errorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &body))
	assert.Equal(t, "DEVICE_BUSY", body.Code)
}

func TestControlReleasedOnDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.addDevice(t, "dev-1")
	perms := security.Permissions{CanControl: true}

	first, _ := h.dial(t, perms)
	writeFrame(t, first, "a-1", TypeCommand, commandPayload{
		DeviceID: "dev-1", Kind: "vibrate", Intensity: 10,
	})
	require.Equal(t, TypeCommandSuccess, readFrame(t, first).Type)
	first.Close()

	// The server notices the close asynchronously.
	require.Eventually(t, func() bool {
		return h.gw.SessionCount() == 1 || h.gw.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	second, _ := h.dial(t, perms)
	require.Eventually(t, func() bool {
		writeFrame(t, second, "b-1", TypeCommand, commandPayload{
			DeviceID: "dev-1", Kind: "vibrate", Intensity: 10,
		})
		return readFrame(t, second).Type == TypeCommandSuccess
	}, 2*time.Second, 50*time.Millisecond)
}

func TestListAndStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.addDevice(t, "dev-1")
	conn, _ := h.dial(t, security.Permissions{CanMonitor: true})

	writeFrame(t, conn, "req-1", TypeList, nil)
	f := readFrame(t, conn)
	require.Equal(t, TypeDeviceList, f.Type)
	var list struct {
		Devices []device.Record `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &list))
	require.Len(t, list.Devices, 1)
	assert.Equal(t, "dev-1", list.Devices[0].ID)

	writeFrame(t, conn, "req-2", TypeStatus, devicePayload{DeviceID: "dev-1"})
	f = readFrame(t, conn)
	require.Equal(t, TypeDeviceStatus, f.Type)
	var rec device.Record
	require.NoError(t, json.Unmarshal(f.Payload, &rec))
	assert.Equal(t, device.StatusOnline, rec.Status)
}

func TestSubscribeDeliversDeviceEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.addDevice(t, "dev-1")
	conn, _ := h.dial(t, security.Permissions{CanMonitor: true})

	writeFrame(t, conn, "req-1", TypeSubscribe, devicePayload{DeviceID: "dev-1"})
	require.Equal(t, TypeSubscribeSuccess, readFrame(t, conn).Type)

	require.NoError(t, h.reg.Disconnect(context.Background(), "dev-1"))

	f := readFrame(t, conn)
	require.Equal(t, TypeDeviceEvent, f.Type)
	var ev struct {
		Event    string `json:"event"`
		DeviceID string `json:"device_id"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &ev))
	assert.Equal(t, "dev-1", ev.DeviceID)
	assert.Equal(t, string(registry.EventDisconnected), ev.Event)
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.addDevice(t, "dev-1")
	conn, _ := h.dial(t, security.Permissions{CanMonitor: true})

	writeFrame(t, conn, "req-1", TypeSubscribe, devicePayload{DeviceID: "dev-1"})
	require.Equal(t, TypeSubscribeSuccess, readFrame(t, conn).Type)
	writeFrame(t, conn, "req-2", TypeUnsubscribe, devicePayload{DeviceID: "dev-1"})
	require.Equal(t, TypeUnsubscribeSuccess, readFrame(t, conn).Type)

	require.NoError(t, h.reg.Disconnect(context.Background(), "dev-1"))

	// A ping round trip after the event would have been delivered proves
	// nothing else is queued.
	writeFrame(t, conn, "req-3", TypePing, nil)
	f := readFrame(t, conn)
	assert.Equal(t, TypePong, f.Type)
}

func TestSessionCapacity(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxConcurrentSessions = 1 })
	h.dial(t, security.Permissions{CanMonitor: true})

	token, err := h.tokens.Issue("bob", security.Permissions{CanMonitor: true})
	require.NoError(t, err)
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestBruteForceBlacklistsSource(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 5; i++ {
		_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("bogus"), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		resp.Body.Close()
	}

	// Even a valid credential is rejected while blacklisted.
	token, err := h.tokens.Issue("alice", security.Permissions{CanMonitor: true})
	require.NoError(t, err)
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var body errorPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "SECURITY_VIOLATION", body.Code)
}

func TestUnknownMessageTypeIsNonFatal(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.dial(t, security.Permissions{CanMonitor: true})

	writeFrame(t, conn, "req-1", "bogus_type", nil)
	f := readFrame(t, conn)
	require.Equal(t, TypeError, f.Type)

	writeFrame(t, conn, "req-2", TypePing, nil)
	assert.Equal(t, TypePong, readFrame(t, conn).Type)
}

func TestMalformedFrameTerminatesSession(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.dial(t, security.Permissions{CanMonitor: true})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	f := readFrame(t, conn)
	require.Equal(t, TypeError, f.Type)
	var body errorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &body))
	assert.Equal(t, "PROTOCOL_ERROR", body.Code)

	require.Eventually(t, func() bool {
		return h.gw.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthRefreshSwapsPermissions(t *testing.T) {
	h := newHarness(t, nil)
	h.addDevice(t, "dev-1")
	conn, _ := h.dial(t, security.Permissions{CanMonitor: true})

	// Monitoring-only session cannot control.
	writeFrame(t, conn, "req-1", TypeCommand, commandPayload{
		DeviceID: "dev-1", Kind: "vibrate", Intensity: 10,
	})
	require.Equal(t, TypeError, readFrame(t, conn).Type)

	fresh, err := h.tokens.Issue("alice", security.Permissions{CanControl: true, CanMonitor: true})
	require.NoError(t, err)
	writeFrame(t, conn, "req-2", TypeAuthRefresh, authRefreshPayload{Token: fresh})
	require.Equal(t, TypeWelcome, readFrame(t, conn).Type)

	writeFrame(t, conn, "req-3", TypeCommand, commandPayload{
		DeviceID: "dev-1", Kind: "vibrate", Intensity: 10,
	})
	assert.Equal(t, TypeCommandSuccess, readFrame(t, conn).Type)
}

func TestAuthRefreshRejectsDifferentPrincipal(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.dial(t, security.Permissions{CanMonitor: true})

	other, err := h.tokens.Issue("mallory", security.Permissions{CanControl: true})
	require.NoError(t, err)
	writeFrame(t, conn, "req-1", TypeAuthRefresh, authRefreshPayload{Token: other})

	f := readFrame(t, conn)
	require.Equal(t, TypeError, f.Type)
	var body errorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &body))
	assert.Equal(t, "AUTH_ERROR", body.Code)
}

func TestConnectRequiresConfigurePermission(t *testing.T) {
	h := newHarness(t, nil)
	h.addDevice(t, "dev-1")
	require.NoError(t, h.reg.Disconnect(context.Background(), "dev-1"))

	conn, _ := h.dial(t, security.Permissions{CanControl: true, CanMonitor: true})
	writeFrame(t, conn, "req-1", TypeConnect, devicePayload{DeviceID: "dev-1"})

	f := readFrame(t, conn)
	require.Equal(t, TypeError, f.Type)
	var body errorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &body))
	assert.Equal(t, "AUTHZ_ERROR", body.Code)
}

func TestConnectAndDisconnectDevice(t *testing.T) {
	h := newHarness(t, nil)
	h.addDevice(t, "dev-1")

	conn, _ := h.dial(t, security.Permissions{CanConfigure: true, CanMonitor: true})

	writeFrame(t, conn, "req-1", TypeDisconnect, devicePayload{DeviceID: "dev-1"})
	require.Equal(t, TypeDisconnectSuccess, readFrame(t, conn).Type)
	rec, ok := h.reg.Get("dev-1")
	require.True(t, ok)
	assert.Equal(t, device.StatusOffline, rec.Status)

	writeFrame(t, conn, "req-2", TypeConnect, devicePayload{DeviceID: "dev-1"})
	require.Equal(t, TypeConnectSuccess, readFrame(t, conn).Type)
	rec, ok = h.reg.Get("dev-1")
	require.True(t, ok)
	assert.Equal(t, device.StatusOnline, rec.Status)
}

func TestConnectUnknownDeviceFails(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.dial(t, security.Permissions{CanConfigure: true})

	writeFrame(t, conn, "req-1", TypeConnect, devicePayload{DeviceID: "ghost"})
	f := readFrame(t, conn)
	require.Equal(t, TypeError, f.Type)
	var body errorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &body))
	assert.Equal(t, "DEVICE_NOT_FOUND", body.Code)
}
