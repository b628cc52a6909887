// Package session 维护到主控的实时通道。Run 独占连接：拨号、读帧、按序通知订阅者，每次断线只安排一次重连。
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/recaner35/HorusByWyntro/config"
	"github.com/recaner35/HorusByWyntro/internal/logger"
	"github.com/recaner35/HorusByWyntro/internal/metrics"
	"github.com/recaner35/HorusByWyntro/internal/protocol"
)

// State 连接状态
type State int

const (
	Closed State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	default:
		return "CLOSED"
	}
}

// ErrNotOpen 会话未处于 OPEN 时发送
var ErrNotOpen = errors.New("session not open")

const (
	readLimit    = 64 * 1024
	writeTimeout = 10 * time.Second
	minReadWait  = 30 * time.Second
)

// Config 会话参数
type Config struct {
	URL               string
	Backoff           wait.Backoff
	KeepaliveInterval time.Duration // <=0 关闭保活
	DialTimeout       time.Duration
}

// ConfigFrom 从应用配置构造会话参数
func ConfigFrom(c *config.Config) Config {
	return Config{
		URL: c.Origin().WebSocketURL(),
		Backoff: wait.Backoff{
			Duration: time.Duration(c.Session.ReconnectInitialMs) * time.Millisecond,
			Factor:   c.Session.ReconnectFactor,
			Jitter:   c.Session.ReconnectJitter,
			Steps:    math.MaxInt32,
			Cap:      time.Duration(c.Session.ReconnectMaxMs) * time.Millisecond,
		},
		KeepaliveInterval: c.KeepaliveInterval(),
		DialTimeout:       c.DialTimeout(),
	}
}

type Option func(*Session)

// WithClock 注入时钟（测试用 FakeClock）
func WithClock(c clock.WithTicker) Option {
	return func(s *Session) { s.clock = c }
}

// WithDialer 自定义 websocket 拨号器
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// Session 实时通道
type Session struct {
	cfg    Config
	clock  clock.WithTicker
	dialer *websocket.Dialer

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	epoch    string
	suppress func() bool

	writeMu sync.Mutex

	subMu     sync.RWMutex
	nextSub   int
	stateSubs map[int]func(State)
	msgSubs   map[int]func(protocol.Inbound)
}

func New(cfg Config, opts ...Option) *Session {
	if cfg.Backoff.Steps <= 0 {
		cfg.Backoff.Steps = math.MaxInt32
	}
	s := &Session{
		cfg:       cfg,
		clock:     clock.RealClock{},
		state:     Closed,
		stateSubs: map[int]func(State){},
		msgSubs:   map[int]func(protocol.Inbound){},
	}
	for _, o := range opts {
		o(s)
	}
	if s.dialer == nil {
		s.dialer = &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		}
	}
	return s
}

// URL 实时通道地址
func (s *Session) URL() string {
	return s.cfg.URL
}

// State 当前连接状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Epoch 当前 OPEN 周期的 id；未连接时为空
func (s *Session) Epoch() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// SetKeepaliveSuppressor fn 返回 true 时跳过本次保活
func (s *Session) SetKeepaliveSuppressor(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppress = fn
}

// OnState 订阅状态变化，返回取消订阅函数。回调在会话 goroutine 上按顺序执行。
func (s *Session) OnState(fn func(State)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.stateSubs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.stateSubs, id)
		s.subMu.Unlock()
	}
}

// OnMessage 订阅入站消息，返回取消订阅函数
func (s *Session) OnMessage(fn func(protocol.Inbound)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.msgSubs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.msgSubs, id)
		s.subMu.Unlock()
	}
}

// Send 写一帧。未连接时返回 ErrNotOpen，不排队。
func (s *Session) Send(msg protocol.Outbound) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != Open || conn == nil {
		return ErrNotOpen
	}

	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, b)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", msg.MessageType(), err)
	}
	metrics.FramesSent.WithLabelValues(msg.MessageType()).Inc()
	return nil
}

// Run 连接循环，阻塞到 ctx 结束
func (s *Session) Run(ctx context.Context) error {
	bo := s.cfg.Backoff
	defer s.setState(Closed)

	for {
		s.setState(Connecting)
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("实时通道连接失败 %s: %v", s.cfg.URL, err)
			s.setState(Closed)
		} else {
			bo = s.cfg.Backoff
			s.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := bo.Step()
		logger.Info("实时通道将在 %s 后重连", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(delay):
		}
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	if s.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s status=%s: %w", s.cfg.URL, resp.Status, err)
		}
		return nil, err
	}
	return conn, nil
}

func (s *Session) readWait() time.Duration {
	d := 3 * s.cfg.KeepaliveInterval
	if d < minReadWait {
		d = minReadWait
	}
	return d
}

// serve 处理一个 OPEN 周期，连接断开后返回
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) {
	epoch := uuid.NewString()
	s.mu.Lock()
	s.conn = conn
	s.epoch = epoch
	s.mu.Unlock()
	s.setState(Open)
	logger.Info("实时通道已连接 %s epoch=%s", s.cfg.URL, epoch)

	epochCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-epochCtx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer wg.Done()
		s.keepalive(epochCtx)
	}()

	readWait := s.readWait()
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("实时通道断开 epoch=%s: %v", epoch, err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		in, err := protocol.Decode(raw)
		if err != nil {
			metrics.FramesDropped.Inc()
			logger.Warn("丢弃无法解析的消息 epoch=%s: %v", epoch, err)
			continue
		}
		metrics.FramesReceived.Inc()
		s.publishMessage(in)
	}

	cancel()
	wg.Wait()

	s.mu.Lock()
	s.conn = nil
	s.epoch = ""
	s.mu.Unlock()
	s.setState(Closed)
}

func (s *Session) keepalive(ctx context.Context) {
	if s.cfg.KeepaliveInterval <= 0 {
		<-ctx.Done()
		return
	}
	t := s.clock.NewTicker(s.cfg.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			s.mu.Lock()
			suppress := s.suppress
			s.mu.Unlock()
			if suppress != nil && suppress() {
				metrics.KeepalivesSkipped.Inc()
				continue
			}
			if err := s.Send(protocol.CheckPeers{}); err != nil {
				logger.Debug("保活发送失败: %v", err)
			}
		}
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	metrics.SessionTransitions.WithLabelValues(st.String()).Inc()
	if st == Open {
		metrics.SessionOpen.Set(1)
	} else {
		metrics.SessionOpen.Set(0)
	}
	for _, fn := range s.stateHandlers() {
		fn(st)
	}
}

func (s *Session) stateHandlers() []func(State) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	ids := make([]int, 0, len(s.stateSubs))
	for id := range s.stateSubs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(State), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.stateSubs[id])
	}
	return out
}

func (s *Session) publishMessage(in protocol.Inbound) {
	s.subMu.RLock()
	ids := make([]int, 0, len(s.msgSubs))
	for id := range s.msgSubs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]func(protocol.Inbound), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.msgSubs[id])
	}
	s.subMu.RUnlock()

	for _, fn := range handlers {
		fn(in)
	}
}
