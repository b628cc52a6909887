package mqttbridge

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

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

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeConn struct {
	mu           sync.Mutex
	connected    bool
	disconnected bool
	handlers     map[string]MessageHandler
	out          []published
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: map[string]MessageHandler{}}
}

func (f *fakeConn) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeConn) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnected = true
	return nil
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Publish(topic string, retained bool, message interface{}) error {
	b, err := encodePayload(message)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, published{topic: topic, retained: retained, payload: b})
	return nil
}

func (f *fakeConn) Subscribe(topic string, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeConn) deliver(topic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	h(topic, payload)
}

func (f *fakeConn) last(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.out) - 1; i >= 0; i-- {
		if f.out[i].topic == topic {
			return f.out[i], true
		}
	}
	return published{}, false
}

func TestTopicBase(t *testing.T) {
	assert.Equal(t, "horus/192_168_4_1", TopicBase("", "192.168.4.1"))
	assert.Equal(t, "home/horus/horus-a1b2_local_80", TopicBase("/home/horus/", "Horus-A1B2.local:80"))
}

type fixture struct {
	ctrl   *controllertest.Controller
	client *horus.Client
	conn   *fakeConn
	bridge *Bridge
}

func startBridge(t *testing.T) *fixture {
	t.Helper()
	ctrl := controllertest.New()
	srv := httptest.NewServer(ctrl.Handler())
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Controller.Address = srv.URL
	cfg.Database.Path = filepath.Join(t.TempDir(), "cache.db")
	c, err := horus.New(cfg, horus.WithClock(testclock.NewFakeClock(time.Now())))
	require.NoError(t, err)

	conn := newFakeConn()
	b := New(c, conn, "horus")

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = c.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), waitFor)
	defer waitCancel()
	require.NoError(t, c.WaitOpen(waitCtx))
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.handlers[b.Topic(TopicCommand)] != nil
	}, waitFor, tick)
	return &fixture{ctrl: ctrl, client: c, conn: conn, bridge: b}
}

func TestSettingsMirroredRetained(t *testing.T) {
	f := startBridge(t)
	topic := f.bridge.Topic(TopicSettings)

	require.Eventually(t, func() bool {
		p, ok := f.conn.last(topic)
		if !ok {
			return false
		}
		var ds protocol.DeviceSettings
		return json.Unmarshal(p.payload, &ds) == nil && ds.Suffix == "a1b2"
	}, waitFor, tick)
	p, _ := f.conn.last(topic)
	assert.True(t, p.retained)

	require.Eventually(t, func() bool {
		p, ok := f.conn.last(f.bridge.Topic(TopicSession))
		return ok && string(p.payload) == `{"state":"OPEN"}`
	}, waitFor, tick)
}

func TestCommandTopicDrivesDispatcher(t *testing.T) {
	f := startBridge(t)
	cmd := []byte(`{"action":"settings","params":{"tpd":"1500","dir":1},"request_id":"r1"}`)
	f.conn.deliver(f.bridge.Topic(TopicCommand), cmd)

	require.Eventually(t, func() bool { return len(f.ctrl.Received(protocol.TypeSettings)) == 1 }, waitFor, tick)
	raw := f.ctrl.Received(protocol.TypeSettings)[0].Raw
	assert.Equal(t, float64(1500), raw["tpd"])
	assert.Equal(t, float64(1), raw["dir"])

	var resp Response
	require.Eventually(t, func() bool {
		p, ok := f.conn.last(f.bridge.Topic(TopicResponse))
		return ok && json.Unmarshal(p.payload, &resp) == nil && resp.RequestID == "r1"
	}, waitFor, tick)
	assert.Equal(t, "success", resp.Status)
	require.Eventually(t, func() bool { return f.client.Device.Snapshot().TPD == 1500 }, waitFor, tick)
}

func TestCommandErrors(t *testing.T) {
	f := startBridge(t)

	resp := f.bridge.HandleCommand([]byte(`{"action":"launch"}`))
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Message, "unknown action")

	resp = f.bridge.HandleCommand([]byte(`not json`))
	assert.Equal(t, "error", resp.Status)

	resp = f.bridge.HandleCommand([]byte(`{"action":"settings","params":{"dir":9}}`))
	assert.Equal(t, "error", resp.Status)

	resp = f.bridge.HandleCommand([]byte(`{"action":"peer_delete","params":{"mac":"00:11"}}`))
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Message, "unknown peer")

	resp = f.bridge.HandleCommand([]byte(`{"action":"toggle","request_id":"t"}`))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "t", resp.RequestID)
}

func TestDisconnectOnStop(t *testing.T) {
	ctrl := controllertest.New()
	srv := httptest.NewServer(ctrl.Handler())
	defer srv.Close()
	cfg := config.DefaultConfig()
	cfg.Controller.Address = srv.URL
	c, err := horus.New(cfg)
	require.NoError(t, err)

	conn := newFakeConn()
	b := New(c, conn, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	require.Eventually(t, conn.IsConnected, waitFor, tick)

	cancel()
	require.NoError(t, <-done)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.disconnected)
}
