package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Direction 电机转向（线上为整数 0/1/2）
type Direction int

const (
	DirCW            Direction = 0
	DirCCW           Direction = 1
	DirBidirectional Direction = 2
)

// DefaultDirection 未下发转向时的默认值（与原面板一致：双向）
const DefaultDirection = DirBidirectional

func (d Direction) Valid() bool {
	return d >= DirCW && d <= DirBidirectional
}

func (d Direction) String() string {
	switch d {
	case DirCW:
		return "cw"
	case DirCCW:
		return "ccw"
	case DirBidirectional:
		return "bidirectional"
	default:
		return fmt.Sprintf("dir(%d)", int(d))
	}
}

// ParseDirection 支持 "cw"/"ccw"/"bi"/"bidirectional" 以及 "0"/"1"/"2"
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "cw":
		return DirCW, nil
	case "1", "ccw":
		return DirCCW, nil
	case "2", "bi", "both", "bidirectional":
		return DirBidirectional, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// 出站消息 type 字段
const (
	TypeCommand      = "command"
	TypeSettings     = "settings"
	TypePeerSettings = "peer_settings"
	TypeDeletePeer   = "del_peer"
	TypeCheckPeers   = "check_peers"

	// TypeError 控制器回报的错误（入站）
	TypeError = "error"
)

const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// Outbound 任意可发往控制器的消息
type Outbound interface {
	MessageType() string
}

// Command 启停命令
type Command struct {
	Action string `json:"action"`
}

func (Command) MessageType() string { return TypeCommand }

// Settings 主机设置（字段全部可选，只发送有值的部分）
type Settings struct {
	TPD    *int       `json:"tpd,omitempty"`
	Dur    *int       `json:"dur,omitempty"`
	Dir    *Direction `json:"dir,omitempty"`
	Name   *string    `json:"name,omitempty"`
	EspNow *bool      `json:"espnow,omitempty"`
}

func (Settings) MessageType() string { return TypeSettings }

// Empty 是否没有任何字段
func (s Settings) Empty() bool {
	return s.TPD == nil && s.Dur == nil && s.Dir == nil && s.Name == nil && s.EspNow == nil
}

// PeerSettings 对从机的完整设置（控制器要求全部字段）
type PeerSettings struct {
	Target  string    `json:"target"`
	TPD     int       `json:"tpd"`
	Dur     int       `json:"dur"`
	Dir     Direction `json:"dir"`
	Running bool      `json:"running"`
}

func (PeerSettings) MessageType() string { return TypePeerSettings }

// DeletePeer 从控制器的配对表中删除从机
type DeletePeer struct {
	Target string `json:"target"`
}

func (DeletePeer) MessageType() string { return TypeDeletePeer }

// CheckPeers 请求一次从机列表刷新（也是保活帧）
type CheckPeers struct{}

func (CheckPeers) MessageType() string { return TypeCheckPeers }

// Encode 把出站消息编码成带 type 字段的 JSON 文本帧
func Encode(msg Outbound) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	typ, _ := json.Marshal(msg.MessageType())
	fields["type"] = typ
	return json.Marshal(fields)
}

// SettingsUpdate 控制器推送的主机状态，任一字段都可能缺席（nil = 本次未提及）
type SettingsUpdate struct {
	Running *bool      `json:"running,omitempty"`
	TPD     *int       `json:"tpd,omitempty"`
	Dur     *int       `json:"dur,omitempty"`
	Dir     *Direction `json:"dir,omitempty"`
	Name    *string    `json:"name,omitempty"`
	Suffix  *string    `json:"suffix,omitempty"`
	EspNow  *bool      `json:"espnow,omitempty"`
}

// Empty 是否没有任何设置字段
func (u SettingsUpdate) Empty() bool {
	return u.Running == nil && u.TPD == nil && u.Dur == nil && u.Dir == nil &&
		u.Name == nil && u.Suffix == nil && u.EspNow == nil
}

// PeerFrame 从机列表中的一项；除 mac 外都可能缺省
type PeerFrame struct {
	MAC     string     `json:"mac"`
	Name    string     `json:"name,omitempty"`
	TPD     *int       `json:"tpd,omitempty"`
	Dur     *int       `json:"dur,omitempty"`
	Dir     *Direction `json:"dir,omitempty"`
	Running *bool      `json:"running,omitempty"`
	Online  *bool      `json:"online,omitempty"`
}

// Inbound 控制器发来的一帧
type Inbound struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`

	SettingsUpdate

	// Peers 非 nil 表示本帧携带了从机快照（空切片 = 控制器报告没有从机）
	Peers []PeerFrame `json:"peers,omitempty"`
}

// IsError 是否为控制器回报的错误
func (in Inbound) IsError() bool {
	return in.Type == TypeError
}

// HasPeers 本帧是否携带从机快照
func (in Inbound) HasPeers() bool {
	return in.Peers != nil
}

// Decode 解析入站帧。兼容第一版固件用 devices 代替 peers 的写法。
func Decode(raw []byte) (Inbound, error) {
	var wire struct {
		Inbound
		Devices []PeerFrame `json:"devices"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound: %w", err)
	}
	in := wire.Inbound
	if in.Peers == nil && wire.Devices != nil {
		in.Peers = wire.Devices
	}
	return in, nil
}

// DeviceSettings 客户端镜像的主机设置（全部字段都有值）
type DeviceSettings struct {
	Running bool      `json:"running"`
	TPD     int       `json:"tpd"`
	Dur     int       `json:"dur"`
	Dir     Direction `json:"dir"`
	Name    string    `json:"name"`
	Suffix  string    `json:"suffix"`
	EspNow  bool      `json:"espnow"`
}

// 主机与从机的出厂默认值
const (
	DefaultTPD = 900
	DefaultDur = 10
)

// DefaultDeviceSettings 会话开始时的初始值
func DefaultDeviceSettings() DeviceSettings {
	return DeviceSettings{
		TPD: DefaultTPD,
		Dur: DefaultDur,
		Dir: DefaultDirection,
	}
}

// Peer 从机的完整视图
type Peer struct {
	MAC     string    `json:"mac"`
	Name    string    `json:"name"`
	TPD     int       `json:"tpd"`
	Dur     int       `json:"dur"`
	Dir     Direction `json:"dir"`
	Running bool      `json:"running"`
	Online  bool      `json:"online"`
}

// Resolve 用默认值补齐缺省字段
func (f PeerFrame) Resolve() Peer {
	p := Peer{
		MAC:    strings.TrimSpace(f.MAC),
		Name:   f.Name,
		TPD:    DefaultTPD,
		Dur:    DefaultDur,
		Dir:    DefaultDirection,
		Online: true,
	}
	if f.TPD != nil {
		p.TPD = *f.TPD
	}
	if f.Dur != nil {
		p.Dur = *f.Dur
	}
	if f.Dir != nil && f.Dir.Valid() {
		p.Dir = *f.Dir
	}
	if f.Running != nil {
		p.Running = *f.Running
	}
	if f.Online != nil {
		p.Online = *f.Online
	}
	if p.Name == "" {
		p.Name = p.MAC
	}
	return p
}

// Ptr 取地址的小工具，构造可选字段时用
func Ptr[T any](v T) *T {
	return &v
}
