// Package dispatch 把用户操作转成校验过的下行帧，数值先转换再夹到合法范围。
package dispatch

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/recaner35/HorusByWyntro/internal/logger"
	"github.com/recaner35/HorusByWyntro/internal/metrics"
	"github.com/recaner35/HorusByWyntro/internal/protocol"
)

var (
	ErrEmptyName       = errors.New("name must not be empty")
	ErrNothingToSend   = errors.New("settings intent has no fields")
	ErrInvalidDir      = errors.New("direction must be 0, 1 or 2")
	ErrInvalidNumber   = errors.New("value is not a number")
	ErrEmptyTarget     = errors.New("peer target must not be empty")
	ErrIncompleteTuple = errors.New("peer settings need tpd, dur and dir")
	ErrNotDelivered    = errors.New("message not delivered")
)

// Sender 由实时会话实现
type Sender interface {
	Send(msg protocol.Outbound) error
}

// Limits 数值区间（闭区间）
type Limits struct {
	TPDMin, TPDMax int
	DurMin, DurMax int
}

// DefaultLimits 与面板滑块一致
func DefaultLimits() Limits {
	return Limits{TPDMin: 100, TPDMax: 3000, DurMin: 1, DurMax: 120}
}

// SettingsIntent 一次设置修改。数值字段接受 int / float / 数字字符串，nil 表示不修改。
type SettingsIntent struct {
	TPD    any
	Dur    any
	Dir    any
	Name   *string
	EspNow *bool
}

// PeerSettingsIntent 对某台从机的完整设置
type PeerSettingsIntent struct {
	Target  string
	TPD     any
	Dur     any
	Dir     any
	Running bool
}

// Dispatcher 校验并发送命令
type Dispatcher struct {
	sender  Sender
	limits  Limits
	running func() bool
}

type Option func(*Dispatcher)

// WithRunning Toggle 依据的当前运行状态（通常来自设备状态镜像）
func WithRunning(fn func() bool) Option {
	return func(d *Dispatcher) { d.running = fn }
}

func New(sender Sender, limits Limits, opts ...Option) *Dispatcher {
	d := &Dispatcher{sender: sender, limits: limits}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Limits 当前生效的区间
func (d *Dispatcher) Limits() Limits {
	return d.limits
}

func (d *Dispatcher) Start() error {
	return d.send(protocol.Command{Action: protocol.ActionStart})
}

func (d *Dispatcher) Stop() error {
	return d.send(protocol.Command{Action: protocol.ActionStop})
}

// Toggle 运行中则停止，否则启动
func (d *Dispatcher) Toggle() error {
	if d.running != nil && d.running() {
		return d.Stop()
	}
	return d.Start()
}

// Settings 发送主机设置；只包含 intent 里给出的字段
func (d *Dispatcher) Settings(in SettingsIntent) error {
	msg, err := d.BuildSettings(in)
	if err != nil {
		d.refuse(err)
		return err
	}
	return d.send(msg)
}

// BuildSettings 只做校验与转换，不发送
func (d *Dispatcher) BuildSettings(in SettingsIntent) (protocol.Settings, error) {
	var msg protocol.Settings
	if in.TPD != nil {
		v, err := CoerceInt(in.TPD)
		if err != nil {
			return msg, fmt.Errorf("tpd: %w", err)
		}
		msg.TPD = protocol.Ptr(clamp(v, d.limits.TPDMin, d.limits.TPDMax))
	}
	if in.Dur != nil {
		v, err := CoerceInt(in.Dur)
		if err != nil {
			return msg, fmt.Errorf("dur: %w", err)
		}
		msg.Dur = protocol.Ptr(clamp(v, d.limits.DurMin, d.limits.DurMax))
	}
	if in.Dir != nil {
		dir, err := coerceDir(in.Dir)
		if err != nil {
			return msg, err
		}
		msg.Dir = protocol.Ptr(dir)
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return msg, ErrEmptyName
		}
		msg.Name = protocol.Ptr(name)
	}
	if in.EspNow != nil {
		msg.EspNow = protocol.Ptr(*in.EspNow)
	}
	if msg.Empty() {
		return msg, ErrNothingToSend
	}
	return msg, nil
}

// PeerSettings 发送从机完整设置，返回实际发出的帧（已钳制）
func (d *Dispatcher) PeerSettings(in PeerSettingsIntent) (protocol.PeerSettings, error) {
	msg, err := d.BuildPeerSettings(in)
	if err != nil {
		d.refuse(err)
		return msg, err
	}
	return msg, d.send(msg)
}

// BuildPeerSettings 只做校验与转换，不发送
func (d *Dispatcher) BuildPeerSettings(in PeerSettingsIntent) (protocol.PeerSettings, error) {
	var msg protocol.PeerSettings
	target := strings.TrimSpace(in.Target)
	if target == "" {
		return msg, ErrEmptyTarget
	}
	if in.TPD == nil || in.Dur == nil || in.Dir == nil {
		return msg, ErrIncompleteTuple
	}
	tpd, err := CoerceInt(in.TPD)
	if err != nil {
		return msg, fmt.Errorf("tpd: %w", err)
	}
	dur, err := CoerceInt(in.Dur)
	if err != nil {
		return msg, fmt.Errorf("dur: %w", err)
	}
	dir, err := coerceDir(in.Dir)
	if err != nil {
		return msg, err
	}
	return protocol.PeerSettings{
		Target:  target,
		TPD:     clamp(tpd, d.limits.TPDMin, d.limits.TPDMax),
		Dur:     clamp(dur, d.limits.DurMin, d.limits.DurMax),
		Dir:     dir,
		Running: in.Running,
	}, nil
}

// DeletePeer 让主控删除一台从机
func (d *Dispatcher) DeletePeer(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		d.refuse(ErrEmptyTarget)
		return ErrEmptyTarget
	}
	return d.send(protocol.DeletePeer{Target: target})
}

// CheckPeers 请求主控重新推送从机列表
func (d *Dispatcher) CheckPeers() error {
	return d.send(protocol.CheckPeers{})
}

func (d *Dispatcher) send(msg protocol.Outbound) error {
	if err := d.sender.Send(msg); err != nil {
		metrics.SendRefused.WithLabelValues("not_delivered").Inc()
		logger.Debug("发送 %s 失败: %v", msg.MessageType(), err)
		return fmt.Errorf("%w: %s: %w", ErrNotDelivered, msg.MessageType(), err)
	}
	return nil
}

func (d *Dispatcher) refuse(err error) {
	reason := "invalid"
	switch {
	case errors.Is(err, ErrEmptyName):
		reason = "empty_name"
	case errors.Is(err, ErrNothingToSend):
		reason = "empty"
	case errors.Is(err, ErrInvalidDir):
		reason = "invalid_dir"
	case errors.Is(err, ErrEmptyTarget), errors.Is(err, ErrIncompleteTuple):
		reason = "invalid_target"
	}
	metrics.SendRefused.WithLabelValues(reason).Inc()
}

// CoerceInt 把面板输入转换为整数：整数原样返回，浮点截断，数字字符串按同样规则解析
func CoerceInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint:
		return saturateUint(uint64(n)), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return saturateUint(uint64(n)), nil
	case uint64:
		return saturateUint(n), nil
	case float32:
		return truncate(float64(n))
	case float64:
		return truncate(n)
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.Atoi(s); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, n)
		}
		return truncate(f)
	case protocol.Direction:
		return int(n), nil
	}
	return 0, fmt.Errorf("%w: %T", ErrInvalidNumber, v)
}

// truncate 向零取整，超出 int 范围的值饱和到边界
func truncate(f float64) (int, error) {
	switch {
	case math.IsNaN(f), math.IsInf(f, 0):
		return 0, fmt.Errorf("%w: %v", ErrInvalidNumber, f)
	case f >= float64(math.MaxInt):
		return math.MaxInt, nil
	case f <= float64(math.MinInt):
		return math.MinInt, nil
	}
	return int(math.Trunc(f)), nil
}

func saturateUint(n uint64) int {
	if n > math.MaxInt {
		return math.MaxInt
	}
	return int(n)
}

func coerceDir(v any) (protocol.Direction, error) {
	i, err := CoerceInt(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidDir, err)
	}
	dir := protocol.Direction(i)
	if !dir.Valid() {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidDir, i)
	}
	return dir, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
