package provision

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/recaner35/HorusByWyntro/internal/controllerapi"
)

// State 配网流程状态
type State int

const (
	Idle State = iota
	Triggering
	Polling
	Done
	TimedOut
	Failed
)

func (s State) String() string {
	switch s {
	case Triggering:
		return "TRIGGERING"
	case Polling:
		return "POLLING"
	case Done:
		return "DONE"
	case TimedOut:
		return "TIMED_OUT"
	case Failed:
		return "FAILED"
	default:
		return "IDLE"
	}
}

// Active 扫描是否在进行
func (s State) Active() bool {
	return s == Triggering || s == Polling
}

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == Done || s == TimedOut || s == Failed
}

var ErrScanInProgress = errors.New("wifi scan already in progress")

// Scan 一次扫描的纯状态机，时间由调用方传入
type Scan struct {
	State   State
	Started time.Time
	MaxWait time.Duration
	Busy    bool // 主控回报已有扫描在进行
	Polls   int
	Results []controllerapi.Network
	Err     error
}

// Begin 开始新的扫描；只能从 IDLE 或终态进入
func (s *Scan) Begin(now time.Time) error {
	if s.State.Active() {
		return ErrScanInProgress
	}
	*s = Scan{State: Triggering, Started: now, MaxWait: s.MaxWait}
	return nil
}

// Triggered 触发请求已被主控接受（started=false 表示沿用主控正在进行的扫描）
func (s *Scan) Triggered(started bool) {
	if s.State != Triggering {
		return
	}
	s.Busy = !started
	s.State = Polling
}

// Fail 触发或轮询出现传输错误
func (s *Scan) Fail(err error) {
	if !s.State.Active() {
		return
	}
	s.Err = err
	s.State = Failed
}

// Observe 处理一次轮询结果，返回是否进入终态
func (s *Scan) Observe(now time.Time, list []controllerapi.Network) bool {
	if s.State != Polling {
		return s.State.Terminal()
	}
	s.Polls++
	if results := Normalize(list); len(results) > 0 {
		s.Results = results
		s.State = Done
		return true
	}
	if now.Sub(s.Started) >= s.MaxWait {
		s.State = TimedOut
		return true
	}
	return false
}

// Cancel 关闭扫描视图：进行中的扫描回到 IDLE
func (s *Scan) Cancel() bool {
	if !s.State.Active() {
		return false
	}
	*s = Scan{MaxWait: s.MaxWait}
	return true
}

// Normalize 按 ssid 去重（保留第一次出现）、丢弃空 ssid、按信号强度从强到弱排序
func Normalize(list []controllerapi.Network) []controllerapi.Network {
	seen := make(map[string]struct{}, len(list))
	out := make([]controllerapi.Network, 0, len(list))
	for _, n := range list {
		if strings.TrimSpace(n.SSID) == "" {
			continue
		}
		if _, dup := seen[n.SSID]; dup {
			continue
		}
		seen[n.SSID] = struct{}{}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RSSI > out[j].RSSI })
	return out
}
