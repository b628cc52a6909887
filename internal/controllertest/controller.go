package controllertest

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/recaner35/HorusByWyntro/internal/protocol"
)

// ScanResult 与主控 /api/wifi-list 的元素一致
type ScanResult struct {
	SSID   string `json:"ssid"`
	RSSI   int    `json:"rssi"`
	Secure bool   `json:"secure"`
}

// Frame 主控收到的一帧（保留原始 JSON 方便断言）
type Frame struct {
	Type string
	Raw  map[string]any
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

// Controller 模拟主控。零值不可用，用 New 创建。
type Controller struct {
	mu sync.Mutex

	conns       map[*wsConn]struct{}
	connects    int
	rejectConns int
	received    []Frame

	settings protocol.DeviceSettings
	peers    []protocol.Peer
	// Echo 为 true 时，收到的设置/命令会像真实固件一样广播回所有连接
	Echo bool

	version string
	setup   bool

	scanStatus   int
	scanResults  [][]ScanResult
	scanTriggers int
	scanPolls    int
	dropConnect  bool
	connectCode  int
	connectForms []map[string]string
	wifiStatus   map[string]any

	otaTrigger  string
	otaStatuses []string
	otaPolls    int
	reboots     int
	skips       int

	upgrader websocket.Upgrader
	engine   *gin.Engine
}

// New 创建一个默认行为接近真实固件的模拟主控
func New() *Controller {
	c := &Controller{
		conns:       map[*wsConn]struct{}{},
		settings:    protocol.DefaultDeviceSettings(),
		Echo:        true,
		version:     "1.0.2",
		scanStatus:  http.StatusAccepted,
		connectCode: http.StatusOK,
		wifiStatus:  map[string]any{"status": "disconnected"},
		otaTrigger:  "started",
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	c.settings.Suffix = "a1b2"
	c.settings.Name = "Horus"

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", c.handleWS)
	api := r.Group("/api")
	{
		api.GET("/version", c.handleVersion)
		api.GET("/device-state", c.handleDeviceState)
		api.GET("/wifi-scan", c.handleWiFiScan)
		api.GET("/wifi-list", c.handleWiFiList)
		api.POST("/wifi-connect", c.handleWiFiConnect)
		api.GET("/wifi-status", c.handleWiFiStatus)
		api.POST("/ota-auto", c.handleOTATrigger)
		api.GET("/ota-status", c.handleOTAStatus)
		api.POST("/skip-setup", c.handleSkipSetup)
		api.POST("/reboot", c.handleReboot)
	}
	c.engine = r
	return c
}

// Handler 挂到 httptest.Server 或 http.Server 上
func (c *Controller) Handler() http.Handler {
	return c.engine
}

// ---- realtime channel ----

func (c *Controller) handleWS(ctx *gin.Context) {
	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		return
	}
	wc := &wsConn{conn: conn}

	c.mu.Lock()
	c.connects++
	if c.rejectConns > 0 {
		c.rejectConns--
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conns[wc] = struct{}{}
	hello := c.stateFrameLocked()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.conns, wc)
		c.mu.Unlock()
		_ = conn.Close()
	}()

	// 真实固件在连上后推一次完整状态
	if err := wc.write(hello); err != nil {
		return
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(raw)
	}
}

func (c *Controller) stateFrameLocked() map[string]any {
	s := c.settings
	return map[string]any{
		"running": s.Running,
		"tpd":     s.TPD,
		"dur":     s.Dur,
		"dir":     int(s.Dir),
		"name":    s.Name,
		"suffix":  s.Suffix,
		"espnow":  s.EspNow,
	}
}

func (c *Controller) peersFrameLocked() map[string]any {
	out := make([]protocol.Peer, len(c.peers))
	copy(out, c.peers)
	return map[string]any{"peers": out}
}

func (c *Controller) handleFrame(raw []byte) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	typ, _ := m["type"].(string)

	c.mu.Lock()
	c.received = append(c.received, Frame{Type: typ, Raw: m})
	var reply map[string]any
	switch typ {
	case protocol.TypeCommand:
		c.settings.Running = m["action"] == protocol.ActionStart
		reply = map[string]any{"running": c.settings.Running}
	case protocol.TypeSettings:
		reply = map[string]any{}
		if v, ok := m["tpd"].(float64); ok {
			c.settings.TPD = int(v)
			reply["tpd"] = int(v)
		}
		if v, ok := m["dur"].(float64); ok {
			c.settings.Dur = int(v)
			reply["dur"] = int(v)
		}
		if v, ok := m["dir"].(float64); ok {
			c.settings.Dir = protocol.Direction(int(v))
			reply["dir"] = int(v)
		}
		if v, ok := m["name"].(string); ok {
			c.settings.Name = v
			reply["name"] = v
		}
		if v, ok := m["espnow"].(bool); ok {
			c.settings.EspNow = v
			reply["espnow"] = v
		}
	case protocol.TypeCheckPeers:
		reply = c.peersFrameLocked()
	case protocol.TypePeerSettings:
		target, _ := m["target"].(string)
		for i := range c.peers {
			if c.peers[i].MAC != target {
				continue
			}
			if v, ok := m["tpd"].(float64); ok {
				c.peers[i].TPD = int(v)
			}
			if v, ok := m["dur"].(float64); ok {
				c.peers[i].Dur = int(v)
			}
			if v, ok := m["dir"].(float64); ok {
				c.peers[i].Dir = protocol.Direction(int(v))
			}
			if v, ok := m["running"].(bool); ok {
				c.peers[i].Running = v
			}
		}
	case protocol.TypeDeletePeer:
		target, _ := m["target"].(string)
		out := c.peers[:0]
		for _, p := range c.peers {
			if p.MAC != target {
				out = append(out, p)
			}
		}
		c.peers = out
	}
	echo := c.Echo
	c.mu.Unlock()

	if echo && len(reply) > 0 {
		c.Broadcast(reply)
	}
}

// Broadcast 向所有实时连接推一帧
func (c *Controller) Broadcast(v any) {
	c.mu.Lock()
	targets := make([]*wsConn, 0, len(c.conns))
	for wc := range c.conns {
		targets = append(targets, wc)
	}
	c.mu.Unlock()
	for _, wc := range targets {
		_ = wc.write(v)
	}
}

// BroadcastRaw 推一段原始文本（用于构造非法帧）
func (c *Controller) BroadcastRaw(text string) {
	c.mu.Lock()
	targets := make([]*wsConn, 0, len(c.conns))
	for wc := range c.conns {
		targets = append(targets, wc)
	}
	c.mu.Unlock()
	for _, wc := range targets {
		wc.mu.Lock()
		_ = wc.conn.WriteMessage(websocket.TextMessage, []byte(text))
		wc.mu.Unlock()
	}
}

// DropAll 断开所有实时连接，模拟链路中断
func (c *Controller) DropAll() {
	c.mu.Lock()
	targets := make([]*wsConn, 0, len(c.conns))
	for wc := range c.conns {
		targets = append(targets, wc)
	}
	c.mu.Unlock()
	for _, wc := range targets {
		_ = wc.conn.Close()
	}
}

// RejectConnections 接下来 n 次连接在握手后立刻关闭
func (c *Controller) RejectConnections(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectConns = n
}

// Connects 累计 websocket 握手次数
func (c *Controller) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// ActiveConns 当前在线的实时连接数
func (c *Controller) ActiveConns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Received 已收到的帧，可按 type 过滤
func (c *Controller) Received(typ string) []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Frame
	for _, f := range c.received {
		if typ == "" || f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// SetPeers 设置主控掌握的从机列表
func (c *Controller) SetPeers(peers ...protocol.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = append([]protocol.Peer(nil), peers...)
}

// Settings 主控当前的设置
func (c *Controller) Settings() protocol.DeviceSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// ---- HTTP endpoints ----

// SetSetupMode 设置 /api/device-state 返回的配网模式标志
func (c *Controller) SetSetupMode(setup bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setup = setup
}

// SetScanAccepted false 时 /api/wifi-scan 回 409，表示已有扫描在进行
func (c *Controller) SetScanAccepted(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.scanStatus = http.StatusAccepted
	} else {
		c.scanStatus = http.StatusConflict
	}
}

// QueueScanResults 依次作为 /api/wifi-list 的返回；队列只剩一项时一直返回它
func (c *Controller) QueueScanResults(lists ...[]ScanResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanResults = append(c.scanResults, lists...)
}

// ScanCounters 返回触发次数与轮询次数
func (c *Controller) ScanCounters() (triggers, polls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanTriggers, c.scanPolls
}

// DropOnConnect 模拟主控切网时直接断开 /api/wifi-connect 请求
func (c *Controller) DropOnConnect(drop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConnect = drop
}

// SetConnectStatus 设置 /api/wifi-connect 的 HTTP 状态码
func (c *Controller) SetConnectStatus(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCode = code
}

// ConnectForms 收到的配网表单
func (c *Controller) ConnectForms() []map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]string(nil), c.connectForms...)
}

// SetWiFiStatus 设置 /api/wifi-status 的返回
func (c *Controller) SetWiFiStatus(status, ssid, ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wifiStatus = map[string]any{"status": status, "ssid": ssid, "ip": ip}
}

// SetOTATrigger 设置 /api/ota-auto 的回应（started/updating/busy）
func (c *Controller) SetOTATrigger(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.otaTrigger = status
}

// QueueOTAStatuses 依次作为 /api/ota-status 的返回；最后一项保持
func (c *Controller) QueueOTAStatuses(statuses ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.otaStatuses = append(c.otaStatuses, statuses...)
}

// OTAPolls /api/ota-status 被请求的次数
func (c *Controller) OTAPolls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.otaPolls
}

// Reboots /api/reboot 被调用次数
func (c *Controller) Reboots() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reboots
}

func (c *Controller) handleVersion(ctx *gin.Context) {
	c.mu.Lock()
	v := c.version
	c.mu.Unlock()
	ctx.JSON(http.StatusOK, gin.H{"version": v})
}

func (c *Controller) handleDeviceState(ctx *gin.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx.JSON(http.StatusOK, gin.H{"setup": c.setup, "suffix": c.settings.Suffix})
}

func (c *Controller) handleWiFiScan(ctx *gin.Context) {
	c.mu.Lock()
	c.scanTriggers++
	code := c.scanStatus
	c.mu.Unlock()
	ctx.JSON(code, gin.H{"status": http.StatusText(code)})
}

func (c *Controller) handleWiFiList(ctx *gin.Context) {
	c.mu.Lock()
	c.scanPolls++
	list := []ScanResult{}
	if len(c.scanResults) > 0 {
		list = c.scanResults[0]
		if len(c.scanResults) > 1 {
			c.scanResults = c.scanResults[1:]
		}
	}
	c.mu.Unlock()
	if list == nil {
		list = []ScanResult{}
	}
	ctx.JSON(http.StatusOK, list)
}

func (c *Controller) handleWiFiConnect(ctx *gin.Context) {
	form := map[string]string{
		"ssid": ctx.PostForm("ssid"),
		"pass": ctx.PostForm("pass"),
	}
	if name, ok := ctx.GetPostForm("name"); ok {
		form["name"] = name
	}
	c.mu.Lock()
	c.connectForms = append(c.connectForms, form)
	drop := c.dropConnect
	code := c.connectCode
	c.mu.Unlock()

	if drop {
		// 主控切换网络时热点消失：连接直接断掉，不回任何响应
		if conn, _, err := ctx.Writer.Hijack(); err == nil {
			_ = conn.Close()
		}
		return
	}
	if strings.TrimSpace(form["ssid"]) == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"status": "missing ssid"})
		return
	}
	ctx.JSON(code, gin.H{"status": "started"})
}

func (c *Controller) handleWiFiStatus(ctx *gin.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx.JSON(http.StatusOK, c.wifiStatus)
}

func (c *Controller) handleOTATrigger(ctx *gin.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx.JSON(http.StatusOK, gin.H{"status": c.otaTrigger})
}

func (c *Controller) handleOTAStatus(ctx *gin.Context) {
	c.mu.Lock()
	c.otaPolls++
	status := "idle"
	if len(c.otaStatuses) > 0 {
		status = c.otaStatuses[0]
		if len(c.otaStatuses) > 1 {
			c.otaStatuses = c.otaStatuses[1:]
		}
	}
	c.mu.Unlock()
	ctx.JSON(http.StatusOK, gin.H{"status": status})
}

func (c *Controller) handleSkipSetup(ctx *gin.Context) {
	c.mu.Lock()
	c.skips++
	c.setup = false
	c.mu.Unlock()
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (c *Controller) handleReboot(ctx *gin.Context) {
	c.mu.Lock()
	c.reboots++
	c.mu.Unlock()
	ctx.JSON(http.StatusOK, gin.H{"status": "rebooting"})
}
