// Package mqttbridge 把主控会话镜像到 <prefix>/<controller>/ 下的 MQTT 主题，并在 cmd 主题接收命令。
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/recaner35/HorusByWyntro/internal/dispatch"
	"github.com/recaner35/HorusByWyntro/internal/horus"
	"github.com/recaner35/HorusByWyntro/internal/logger"
	"github.com/recaner35/HorusByWyntro/internal/ota"
	"github.com/recaner35/HorusByWyntro/internal/protocol"
	"github.com/recaner35/HorusByWyntro/internal/provision"
	"github.com/recaner35/HorusByWyntro/internal/roster"
	"github.com/recaner35/HorusByWyntro/internal/session"
)

const outboundQueue = 64

// 主题后缀
const (
	TopicStatus   = "status"
	TopicSession  = "session"
	TopicSettings = "settings"
	TopicPeers    = "peers"
	TopicWiFi     = "wifi"
	TopicOTA      = "ota"
	TopicNotice   = "notice"
	TopicCommand  = "cmd"
	TopicResponse = "response"
)

// Command 命令主题上的消息
type Command struct {
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Response 命令执行结果
type Response struct {
	Action    string `json:"action"`
	Status    string `json:"status"` // success / error
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TS        string `json:"ts"`
}

type outbound struct {
	topic    string
	retained bool
	payload  interface{}
}

// Bridge 会话状态 <-> MQTT
type Bridge struct {
	client *horus.Client
	conn   Conn
	base   string

	out chan outbound

	mu          sync.Mutex
	unsubscribe []func()
}

// TopicBase <prefix>/<controller>；主机名里的 ':' 与 '.' 换成 '_'
func TopicBase(prefix, host string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "horus"
	}
	host = strings.NewReplacer(":", "_", ".", "_", "/", "_", "+", "_", "#", "_").Replace(strings.ToLower(host))
	return prefix + "/" + host
}

// New 创建桥接；conn 的 statusTopic 应为 Topic(TopicStatus)
func New(client *horus.Client, conn Conn, prefix string) *Bridge {
	return &Bridge{
		client: client,
		conn:   conn,
		base:   TopicBase(prefix, client.Origin().Host),
		out:    make(chan outbound, outboundQueue),
	}
}

// Topic 完整主题
func (b *Bridge) Topic(suffix string) string {
	return b.base + "/" + suffix
}

// Run 连接、订阅命令主题并镜像状态，阻塞到 ctx 结束
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.conn.Connect(); err != nil {
		return err
	}
	defer func() {
		_ = b.conn.Disconnect()
	}()

	if err := b.conn.Subscribe(b.Topic(TopicCommand), func(_ string, payload []byte) {
		b.queue(TopicResponse, false, b.HandleCommand(payload))
	}); err != nil {
		return err
	}

	b.watch()
	defer b.unwatch()
	b.publishAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-b.out:
			if err := b.conn.Publish(b.Topic(m.topic), m.retained, m.payload); err != nil {
				logger.Debug("MQTT发布 %s 失败: %v", m.topic, err)
			}
		}
	}
}

// watch 订阅会话各组件的变化
func (b *Bridge) watch() {
	c := b.client
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribe = append(b.unsubscribe,
		c.Session.OnState(func(st session.State) {
			b.queue(TopicSession, true, map[string]string{"state": st.String()})
			if st == session.Open {
				b.queue(TopicSettings, true, c.Device.Snapshot())
			}
		}),
		c.Device.Subscribe(func(ds protocol.DeviceSettings) { b.queue(TopicSettings, true, ds) }),
		c.Roster.Subscribe(func(peers []protocol.Peer) { b.queue(TopicPeers, true, peers) }),
		c.WiFi.Subscribe(func(v provision.View) { b.queue(TopicWiFi, false, v) }),
		c.Update.Subscribe(func(v ota.View) { b.queue(TopicOTA, false, v) }),
		c.OnNotice(func(n horus.Notice) { b.queue(TopicNotice, false, n) }),
	)
}

func (b *Bridge) unwatch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, fn := range b.unsubscribe {
		fn()
	}
	b.unsubscribe = nil
}

// publishAll 启动时推一份完整状态（retained）
func (b *Bridge) publishAll() {
	c := b.client
	b.queue(TopicSession, true, map[string]string{"state": c.Session.State().String()})
	b.queue(TopicSettings, true, c.Device.Snapshot())
	b.queue(TopicPeers, true, c.Roster.Peers())
}

// queue 不阻塞调用方（通常是会话 goroutine）；队列满时丢弃
func (b *Bridge) queue(topic string, retained bool, payload interface{}) {
	select {
	case b.out <- outbound{topic: topic, retained: retained, payload: payload}:
	default:
		logger.Warn("MQTT发送队列已满，丢弃 %s", topic)
	}
}

// HandleCommand 执行一条命令并返回结果
func (b *Bridge) HandleCommand(payload []byte) Response {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		logger.Error("解析MQTT命令失败: %v", err)
		return b.respond(Command{Action: "unknown"}, fmt.Errorf("invalid command: %w", err))
	}
	logger.Info("收到MQTT命令: action=%s", cmd.Action)
	return b.respond(cmd, b.execute(cmd))
}

func (b *Bridge) execute(cmd Command) error {
	c := b.client
	p := cmd.Params
	switch cmd.Action {
	case "start":
		return c.Dispatcher.Start()
	case "stop":
		return c.Dispatcher.Stop()
	case "toggle":
		return c.Dispatcher.Toggle()
	case "settings":
		in := dispatch.SettingsIntent{TPD: p["tpd"], Dur: p["dur"], Dir: p["dir"]}
		if v, ok := p["name"].(string); ok {
			in.Name = &v
		}
		if v, ok := p["espnow"].(bool); ok {
			in.EspNow = &v
		}
		return c.Device.DispatchSettings(in)
	case "check_peers":
		return c.Dispatcher.CheckPeers()
	case "peer_running":
		running, ok := p["running"].(bool)
		if !ok {
			return fmt.Errorf("params.running must be a boolean")
		}
		return c.Roster.SendPeerCommand(stringParam(p, "mac"), roster.SetRunning{Running: running})
	case "peer_settings":
		return c.Roster.SendPeerCommand(stringParam(p, "mac"), roster.UpdateSettings{
			TPD: p["tpd"], Dur: p["dur"], Dir: p["dir"],
		})
	case "peer_delete":
		return c.Roster.SendPeerCommand(stringParam(p, "mac"), roster.Delete{})
	case "wifi_scan":
		return c.WiFi.StartScan(context.Background())
	case "update":
		return c.Update.Trigger(context.Background())
	default:
		logger.Warn("未知的MQTT命令: %s", cmd.Action)
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}

func (b *Bridge) respond(cmd Command, err error) Response {
	resp := Response{
		Action:    cmd.Action,
		Status:    "success",
		RequestID: cmd.RequestID,
		TS:        time.Now().Format(time.RFC3339),
	}
	if err != nil {
		resp.Status = "error"
		resp.Message = err.Error()
	}
	return resp
}

func stringParam(p map[string]interface{}, key string) string {
	v, _ := p[key].(string)
	return v
}
