package ota

import (
	"errors"
	"fmt"
	"time"
)

// State 升级流程状态
type State int

const (
	Idle State = iota
	Started
	Polling
	UpToDate
	Installed
	Busy
	Error
)

func (s State) String() string {
	switch s {
	case Started:
		return "STARTED"
	case Polling:
		return "POLLING"
	case UpToDate:
		return "UP_TO_DATE"
	case Installed:
		return "INSTALLED"
	case Busy:
		return "BUSY"
	case Error:
		return "ERROR"
	default:
		return "IDLE"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active 是否需要轮询
func (s State) Active() bool {
	return s == Started || s == Polling
}

// 主控 ota-auto / ota-status 的取值
const (
	StatusStarted  = "started"
	StatusUpdating = "updating"
	StatusBusy     = "busy"
	StatusUpToDate = "up_to_date"
	StatusError    = "error"
	StatusIdle     = "idle"
)

var (
	ErrUpdateInProgress = errors.New("firmware update already in progress")
	ErrTimeout          = errors.New("firmware update did not finish in time")
)

// Tracker 一次升级的纯状态机
type Tracker struct {
	State      State
	LeftIdle   bool // 本进程内是否真正触发过升级
	Started    time.Time
	MaxWait    time.Duration
	LastStatus string
	Polls      int
	Err        error
}

// Begin 触发升级
func (t *Tracker) Begin(now time.Time) error {
	if t.State.Active() {
		return ErrUpdateInProgress
	}
	*t = Tracker{State: Started, LeftIdle: true, Started: now, MaxWait: t.MaxWait}
	return nil
}

// Acknowledge 处理 ota-auto 的回应
func (t *Tracker) Acknowledge(status string, err error) {
	if t.State != Started {
		return
	}
	t.LastStatus = status
	switch {
	case err != nil:
		t.State, t.Err = Error, err
	case status == StatusStarted, status == StatusUpdating:
		t.State = Polling
	case status == StatusBusy:
		t.State = Busy
	default:
		t.State, t.Err = Error, fmt.Errorf("unexpected ota reply %q", status)
	}
}

// Observe 处理一次 ota-status 结果，返回是否进入终态。
// 设备重启期间的传输错误是预期内的，在 MaxWait 内继续轮询。
func (t *Tracker) Observe(now time.Time, status string, err error) bool {
	if t.State != Polling {
		return false
	}
	t.Polls++
	if err == nil {
		t.LastStatus = status
		switch status {
		case StatusUpToDate:
			t.State = UpToDate
			return true
		case StatusError:
			t.State, t.Err = Error, errors.New("controller reported update error")
			return true
		case StatusIdle:
			if t.LeftIdle {
				t.State = Installed
			} else {
				t.State = Idle
			}
			return true
		}
	}
	if now.Sub(t.Started) >= t.MaxWait {
		t.State, t.Err = Error, ErrTimeout
		return true
	}
	return false
}

// Cancel 停止本地轮询；主控上的升级不受影响
func (t *Tracker) Cancel() bool {
	if !t.State.Active() {
		return false
	}
	*t = Tracker{MaxWait: t.MaxWait}
	return true
}

// Message 给用户看的说明
func (t *Tracker) Message() string {
	switch t.State {
	case Started:
		return "Requesting firmware update..."
	case Polling:
		return "Updating firmware, the device will reboot when done."
	case UpToDate:
		return "Firmware is already up to date."
	case Installed:
		return "Update installed, the device has rebooted."
	case Busy:
		return "Another update is already running on the device."
	case Error:
		if t.Err != nil {
			return "Update failed: " + t.Err.Error()
		}
		return "Update failed."
	}
	if t.LastStatus == StatusIdle {
		return "No update was started."
	}
	return "No update in progress."
}
