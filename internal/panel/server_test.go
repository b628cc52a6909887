package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/recaner35/HorusByWyntro/config"
	"github.com/recaner35/HorusByWyntro/internal/controllertest"
	"github.com/recaner35/HorusByWyntro/internal/horus"
	"github.com/recaner35/HorusByWyntro/internal/protocol"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type fixture struct {
	ctrl   *controllertest.Controller
	client *horus.Client
	server *Server
}

// newFixture 创建面板；run 为 false 时会话保持 CLOSED
func newFixture(t *testing.T, run bool, tweak func(*config.Config)) *fixture {
	t.Helper()
	ctrl := controllertest.New()
	srv := httptest.NewServer(ctrl.Handler())
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Controller.Address = srv.URL
	cfg.Database.Path = filepath.Join(t.TempDir(), "cache.db")
	if tweak != nil {
		tweak(cfg)
	}

	c, err := horus.New(cfg, horus.WithClock(testclock.NewFakeClock(time.Now())))
	require.NoError(t, err)

	if run {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = c.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		waitCtx, waitCancel := context.WithTimeout(context.Background(), waitFor)
		defer waitCancel()
		require.NoError(t, c.WaitOpen(waitCtx))
	}

	s := NewServer(cfg, c, nil)
	t.Cleanup(s.Close)
	return &fixture{ctrl: ctrl, client: c, server: s}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)

	var resp Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestLoginGuardsAPI(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	f := newFixture(t, false, func(c *config.Config) {
		c.Panel.PasswordHash = hash
		c.Panel.JWTSecret = "0123456789abcdef0123"
	})

	w, _ := f.do(t, http.MethodGet, "/api/v1/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, resp := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"password": "s3cret"})
	require.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]any)
	token, _ := data["token"].(string)
	require.NotEmpty(t, token)

	w, _ = f.do(t, http.MethodGet, "/api/v1/status", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/v1/status", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSendWhileClosedIsServiceUnavailable(t *testing.T) {
	f := newFixture(t, false, nil)

	w, resp := f.do(t, http.MethodPost, "/api/v1/device/start", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, resp.Message, "not delivered")
}

func TestSettingsAreClampedAndValidated(t *testing.T) {
	f := newFixture(t, true, nil)

	w, _ := f.do(t, http.MethodPost, "/api/v1/device/settings", "", map[string]any{"tpd": "5000"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Eventually(t, func() bool { return f.client.Device.Snapshot().TPD == 3000 }, waitFor, tick)

	frames := f.ctrl.Received(protocol.TypeSettings)
	require.Len(t, frames, 1)
	assert.Equal(t, float64(3000), frames[0].Raw["tpd"])

	w, _ = f.do(t, http.MethodPost, "/api/v1/device/settings", "", map[string]any{"dir": 7})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = f.do(t, http.MethodPost, "/api/v1/device/settings", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, f.ctrl.Received(protocol.TypeSettings), 1)
}

func TestPeerRoutes(t *testing.T) {
	f := newFixture(t, true, nil)
	f.ctrl.SetPeers(protocol.Peer{MAC: "AA:BB:CC:DD:EE:01", Name: "Kitchen", TPD: 900, Dur: 10, Online: true})

	w, _ := f.do(t, http.MethodPost, "/api/v1/peers/refresh", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Eventually(t, func() bool { return len(f.client.Roster.Peers()) == 1 }, waitFor, tick)

	w, _ = f.do(t, http.MethodPost, "/api/v1/peers/AA:BB:CC:DD:EE:01/running", "", map[string]bool{"running": true})
	require.Equal(t, http.StatusOK, w.Code)
	require.Eventually(t, func() bool { return len(f.ctrl.Received(protocol.TypePeerSettings)) == 1 }, waitFor, tick)
	sent := f.ctrl.Received(protocol.TypePeerSettings)
	assert.Equal(t, true, sent[0].Raw["running"])
	assert.Equal(t, float64(900), sent[0].Raw["tpd"])

	w, _ = f.do(t, http.MethodDelete, "/api/v1/peers/00:00:00:00:00:00", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRebootAndInfo(t *testing.T) {
	f := newFixture(t, false, nil)

	w, _ := f.do(t, http.MethodPost, "/api/v1/device/reboot", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.ctrl.Reboots())

	w, resp := f.do(t, http.MethodGet, "/api/v1/info", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.0.2", resp.Data.(map[string]any)["version"])
}

func TestEventsWithoutCacheIsEmpty(t *testing.T) {
	f := newFixture(t, false, nil)
	w, resp := f.do(t, http.MethodGet, "/api/v1/events", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, resp.Data)
}

func TestMetricsExposed(t *testing.T) {
	f := newFixture(t, true, nil)
	w, _ := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "horus_session_open")
}

func TestWebSocketSendsHelloThenEvents(t *testing.T) {
	f := newFixture(t, true, nil)
	srv := httptest.NewServer(f.server.Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(waitFor))

	var hello Message
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, "OPEN", hello.Data.(map[string]any)["session"])

	require.Eventually(t, func() bool { return f.server.hub.Clients() == 1 }, waitFor, tick)
	f.client.Notify("info", "ping")
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Event == "notice" {
			assert.Equal(t, "ping", msg.Data.(map[string]any)["message"])
			return
		}
	}
}
