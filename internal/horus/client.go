// Package horus 把一台主控的会话、下发、设备镜像、从机列表、两个流程和本地缓存组装成一个 Client。
package horus

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/recaner35/HorusByWyntro/config"
	"github.com/recaner35/HorusByWyntro/internal/controllerapi"
	"github.com/recaner35/HorusByWyntro/internal/devicestate"
	"github.com/recaner35/HorusByWyntro/internal/dispatch"
	"github.com/recaner35/HorusByWyntro/internal/logger"
	"github.com/recaner35/HorusByWyntro/internal/ota"
	"github.com/recaner35/HorusByWyntro/internal/protocol"
	"github.com/recaner35/HorusByWyntro/internal/provision"
	"github.com/recaner35/HorusByWyntro/internal/roster"
	"github.com/recaner35/HorusByWyntro/internal/session"
	"github.com/recaner35/HorusByWyntro/internal/store"
)

const (
	maxNotices   = 20
	persistQueue = 64
	keepEvents   = 500
)

// Notice 短暂提示（面板 toast）
type Notice struct {
	Level   string    `json:"level"` // info / warn / error
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Option func(*Client)

// WithClock 注入时钟，作用于会话与两个流程
func WithClock(c clock.WithTicker) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithCache 使用本地缓存：启动时恢复上次设置，运行中记录设置/从机/事件
func WithCache(s *store.Store) Option {
	return func(cl *Client) { cl.cache = s }
}

// Client 与一台主控的完整会话
type Client struct {
	cfg    *config.Config
	origin config.ControllerOrigin
	clock  clock.WithTicker
	cache  *store.Store

	API        *controllerapi.Client
	Session    *session.Session
	Dispatcher *dispatch.Dispatcher
	Device     *devicestate.Store
	Roster     *roster.Roster
	WiFi       *provision.Workflow
	Update     *ota.Workflow

	persist chan func()

	mu        sync.Mutex
	notices   []Notice
	wasOpen   bool
	lostStop  chan struct{} // 断线提示的宽限计时，重新 OPEN 时关闭
	nextSub   int
	noticeSub map[int]func(Notice)
}

func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:       cfg,
		origin:    cfg.Origin(),
		clock:     clock.RealClock{},
		persist:   make(chan func(), persistQueue),
		noticeSub: map[int]func(Notice){},
	}
	for _, o := range opts {
		o(c)
	}

	c.API = &controllerapi.Client{
		BaseURL: c.origin.BaseURL(),
		HTTP:    &http.Client{Timeout: cfg.HTTPTimeout()},
	}
	c.Session = session.New(session.ConfigFrom(cfg), session.WithClock(c.clock))
	c.Dispatcher = dispatch.New(c.Session, dispatch.Limits{
		TPDMin: cfg.Limits.TPDMin, TPDMax: cfg.Limits.TPDMax,
		DurMin: cfg.Limits.DurMin, DurMax: cfg.Limits.DurMax,
	}, dispatch.WithRunning(func() bool { return c.Device.Running() }))
	c.Device = devicestate.New(c.Dispatcher)
	c.Roster = roster.New(c.Dispatcher)
	c.WiFi = provision.New(c.API, cfg.ScanPollInterval(), cfg.ScanMaxWait(),
		provision.WithClock(c.clock),
		provision.WithHostHint(func() (string, string) {
			s := c.Device.Snapshot()
			return s.Name, s.Suffix
		}),
	)
	c.Update = ota.New(c.API, cfg.OTAPollInterval(), cfg.OTAMaxWait(), ota.WithClock(c.clock))

	c.Session.SetKeepaliveSuppressor(c.WiFi.Polling)
	c.Session.OnState(c.handleState)
	c.Session.OnMessage(c.handleMessage)

	if c.cache != nil {
		c.restore()
		c.Device.Subscribe(func(ds protocol.DeviceSettings) {
			c.enqueue(func() error { return c.cache.SaveSettings(c.origin.Host, ds) })
		})
		c.Roster.Subscribe(func(peers []protocol.Peer) {
			if !c.Roster.Received() {
				return
			}
			c.enqueue(func() error { return c.cache.ReplacePeers(c.origin.Host, peers) })
		})
		var submitting atomic.Bool
		c.WiFi.Subscribe(func(v provision.View) {
			if submitting.Swap(v.Submitting) && !v.Submitting {
				// 一次提交结束
				result := v.Outcome
				if result == "" {
					result = "FAILED " + v.Error
				}
				c.recordEvent("wifi", "CONNECT "+result)
				return
			}
			if v.State.Terminal() && !v.Submitting {
				c.recordEvent("wifi", v.State.String())
			}
		})
		c.Update.Subscribe(func(v ota.View) {
			if !v.State.Active() && v.State != ota.Idle {
				c.recordEvent("ota", v.State.String())
			}
		})
	}
	return c, nil
}

// Origin 主控地址
func (c *Client) Origin() config.ControllerOrigin {
	return c.origin
}

// Config 当前配置
func (c *Client) Config() *config.Config {
	return c.cfg
}

func (c *Client) restore() {
	cached, ok, err := c.cache.LastSettings(c.origin.Host)
	if err != nil {
		logger.Warn("读取缓存设置失败: %v", err)
		return
	}
	if ok {
		c.Device.Restore(cached.Settings)
		logger.Info("已恢复 %s 的缓存设置（%s）", c.origin.Host, cached.UpdatedAt.Format(time.RFC3339))
	}
}

// Run 运行会话直到 ctx 结束；退出时停止本地轮询
func (c *Client) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	persistCtx, stopPersist := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.persistLoop(persistCtx)
	}()

	err := c.Session.Run(ctx)

	c.mu.Lock()
	c.stopLostLocked()
	c.mu.Unlock()
	c.WiFi.Cancel()
	c.Update.Cancel()
	stopPersist()
	wg.Wait()
	return err
}

// persistLoop 缓存写入不占用会话的投递 goroutine
func (c *Client) persistLoop(ctx context.Context) {
	for {
		select {
		case fn := <-c.persist:
			fn()
		case <-ctx.Done():
			for {
				select {
				case fn := <-c.persist:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (c *Client) enqueue(fn func() error) {
	if c.cache == nil {
		return
	}
	select {
	case c.persist <- func() {
		if err := fn(); err != nil {
			logger.Warn("写入本地缓存失败: %v", err)
		}
	}:
	default:
		logger.Warn("本地缓存写入队列已满，丢弃一次写入")
	}
}

func (c *Client) recordEvent(kind, detail string) {
	c.enqueue(func() error {
		if err := c.cache.AppendEvent(c.origin.Host, kind, detail); err != nil {
			return err
		}
		return c.cache.PruneEvents(keepEvents)
	})
}

func (c *Client) handleState(st session.State) {
	c.recordEvent("session", st.String())
	switch st {
	case session.Open:
		c.mu.Lock()
		c.wasOpen = true
		c.stopLostLocked()
		c.mu.Unlock()
		// 连上后立即刷新一次从机列表，不等保活
		if err := c.Dispatcher.CheckPeers(); err != nil {
			logger.Debug("刷新从机列表失败: %v", err)
		}
	case session.Closed:
		c.mu.Lock()
		if c.wasOpen {
			c.wasOpen = false
			c.stopLostLocked()
			stop := make(chan struct{})
			c.lostStop = stop
			go c.awaitReconnect(c.clock.NewTimer(c.cfg.LostNoticeAfter()), stop)
		}
		c.mu.Unlock()
	}
}

func (c *Client) stopLostLocked() {
	if c.lostStop != nil {
		close(c.lostStop)
		c.lostStop = nil
	}
}

// awaitReconnect 宽限期内没有重新 OPEN 才提示断线
func (c *Client) awaitReconnect(t clock.Timer, stop chan struct{}) {
	defer t.Stop()
	select {
	case <-stop:
		return
	case <-t.C():
	}
	c.mu.Lock()
	pending := c.lostStop == stop
	c.mu.Unlock()
	if !pending || c.Session.State() == session.Open {
		return
	}
	logger.Warn("与主控断开超过 %s，仍在重连", c.cfg.LostNoticeAfter())
	c.Notify("warn", "Connection to the controller lost, reconnecting...")
}

func (c *Client) handleMessage(in protocol.Inbound) {
	if in.IsError() {
		msg := in.Message
		if msg == "" {
			msg = "controller reported an error"
		}
		logger.Warn("主控回报错误: %s", msg)
		c.Notify("error", msg)
		return
	}
	if !in.SettingsUpdate.Empty() {
		c.Device.ApplyPartial(in.SettingsUpdate)
	}
	if in.HasPeers() {
		c.Roster.ReplaceSnapshot(in.Peers)
	}
}

// Notify 记录一条提示并通知订阅者
func (c *Client) Notify(level, message string) {
	n := Notice{Level: level, Message: message, At: c.clock.Now()}
	c.mu.Lock()
	c.notices = append(c.notices, n)
	if len(c.notices) > maxNotices {
		c.notices = c.notices[len(c.notices)-maxNotices:]
	}
	ids := make([]int, 0, len(c.noticeSub))
	for id := range c.noticeSub {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Notice), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.noticeSub[id])
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}

// Notices 最近的提示，旧的在前
func (c *Client) Notices() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notice(nil), c.notices...)
}

// OnNotice 订阅提示，返回取消订阅函数
func (c *Client) OnNotice(fn func(Notice)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.noticeSub[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.noticeSub, id)
		c.mu.Unlock()
	}
}

// Status 汇总视图（CLI status 与面板 /api/status 共用）
type Status struct {
	Controller string                  `json:"controller"`
	Session    string                  `json:"session"`
	Epoch      string                  `json:"epoch,omitempty"`
	Seen       bool                    `json:"seen"`
	Settings   protocol.DeviceSettings `json:"settings"`
	Peers      []protocol.Peer         `json:"peers"`
	WiFi       provision.View          `json:"wifi"`
	Update     ota.View                `json:"update"`
}

func (c *Client) Status() Status {
	return Status{
		Controller: c.origin.BaseURL(),
		Session:    c.Session.State().String(),
		Epoch:      c.Session.Epoch(),
		Seen:       c.Device.Seen(),
		Settings:   c.Device.Snapshot(),
		Peers:      c.Roster.Peers(),
		WiFi:       c.WiFi.Snapshot(),
		Update:     c.Update.Snapshot(),
	}
}

// WaitOpen 阻塞到会话 OPEN 或 ctx 结束（CLI 一次性命令使用）
func (c *Client) WaitOpen(ctx context.Context) error {
	opened := make(chan struct{}, 1)
	unsubscribe := c.Session.OnState(func(st session.State) {
		if st == session.Open {
			select {
			case opened <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()
	if c.Session.State() == session.Open {
		return nil
	}
	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", c.Session.URL(), ctx.Err())
	}
}
