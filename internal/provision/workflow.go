// Package provision 配网流程：触发扫描、限时轮询结果、提交 WiFi 表单。每个流程最多一个轮询协程。
package provision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/recaner35/HorusByWyntro/internal/controllerapi"
	"github.com/recaner35/HorusByWyntro/internal/devicestate"
	"github.com/recaner35/HorusByWyntro/internal/logger"
	"github.com/recaner35/HorusByWyntro/internal/metrics"
)

// Outcome 提交配网表单的结果
type Outcome int

const (
	OutcomeNone Outcome = iota
	// OutcomeSubmitted 主控确认收到表单
	OutcomeSubmitted
	// OutcomeHandover 请求中途断开：主控大概率已切到新网络
	OutcomeHandover
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSubmitted:
		return "SUBMITTED"
	case OutcomeHandover:
		return "HANDOVER"
	default:
		return ""
	}
}

var (
	ErrEmptySSID = errors.New("ssid must not be empty")
	// ErrSubmitting 配网表单提交中，不能再扫描或重复提交
	ErrSubmitting = errors.New("wifi credentials are being submitted")
)

// API 由 controllerapi.Client 实现
type API interface {
	TriggerScan(ctx context.Context) (bool, error)
	ScanResults(ctx context.Context) ([]controllerapi.Network, error)
	ConnectWiFi(ctx context.Context, cred controllerapi.Credentials) error
	WiFiStatus(ctx context.Context) (controllerapi.WiFiStatus, error)
	DeviceState(ctx context.Context) (controllerapi.DeviceState, error)
	SkipSetup(ctx context.Context) error
}

// View 面板展示用的快照
type View struct {
	State    State                   `json:"state"`
	Busy     bool                    `json:"busy,omitempty"`
	Results  []controllerapi.Network `json:"results"`
	Selected string                  `json:"selected,omitempty"`
	// Submitting 配网表单提交中
	Submitting bool   `json:"submitting,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Redirect   string `json:"redirect,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Option func(*Workflow)

func WithClock(c clock.Clock) Option {
	return func(w *Workflow) { w.clock = c }
}

// WithHostHint 预测跳转地址时使用的当前设备名与后缀
func WithHostHint(fn func() (name, suffix string)) Option {
	return func(w *Workflow) { w.hostHint = fn }
}

// Workflow WiFi 配网流程
type Workflow struct {
	api      API
	clock    clock.Clock
	interval time.Duration
	hostHint func() (string, string)

	mu         sync.Mutex
	scan       Scan
	gen        int
	cancel     context.CancelFunc
	selected   string
	submitting bool
	outcome    Outcome
	redirect   string

	subMu   sync.RWMutex
	nextSub int
	subs    map[int]func(View)
}

func New(api API, pollInterval, maxWait time.Duration, opts ...Option) *Workflow {
	w := &Workflow{
		api:      api,
		clock:    clock.RealClock{},
		interval: pollInterval,
		scan:     Scan{MaxWait: maxWait},
		subs:     map[int]func(View){},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Polling 扫描进行中，会话据此暂停保活
func (w *Workflow) Polling() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scan.State.Active()
}

func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scan.State
}

func (w *Workflow) Snapshot() View {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.viewLocked()
}

func (w *Workflow) viewLocked() View {
	v := View{
		State:      w.scan.State,
		Busy:       w.scan.Busy,
		Results:    append([]controllerapi.Network{}, w.scan.Results...),
		Selected:   w.selected,
		Submitting: w.submitting,
		Outcome:    w.outcome.String(),
		Redirect:   w.redirect,
	}
	if w.scan.Err != nil {
		v.Error = w.scan.Err.Error()
	}
	return v
}

// StartScan 触发扫描并在后台轮询。进行中再次调用返回 ErrScanInProgress，不会产生第二个轮询。
func (w *Workflow) StartScan(ctx context.Context) error {
	w.mu.Lock()
	if w.submitting {
		w.mu.Unlock()
		return ErrSubmitting
	}
	if err := w.scan.Begin(w.clock.Now()); err != nil {
		w.mu.Unlock()
		return err
	}
	w.gen++
	gen := w.gen
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.outcome = OutcomeNone
	w.redirect = ""
	view := w.viewLocked()
	w.mu.Unlock()

	logger.Info("开始 WiFi 扫描")
	w.notify(view)
	go w.run(pollCtx, gen)
	return nil
}

func (w *Workflow) run(ctx context.Context, gen int) {
	started, err := w.api.TriggerScan(ctx)
	if !w.step(gen, func(s *Scan) bool {
		if err != nil {
			s.Fail(err)
			return true
		}
		s.Triggered(started)
		return false
	}) {
		return
	}
	if err != nil {
		logger.Warn("触发 WiFi 扫描失败: %v", err)
		return
	}
	if !started {
		logger.Info("主控已在扫描中，等待其结果")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.interval):
		}
		if ctx.Err() != nil {
			return
		}

		list, err := w.api.ScanResults(ctx)
		if ctx.Err() != nil {
			return
		}
		result := "ok"
		if err != nil {
			result = "error"
		} else if len(list) == 0 {
			result = "empty"
		}
		metrics.WorkflowPolls.WithLabelValues("wifi_scan", result).Inc()

		now := w.clock.Now()
		var terminal bool
		if !w.step(gen, func(s *Scan) bool {
			if err != nil {
				s.Fail(err)
				terminal = true
				return true
			}
			terminal = s.Observe(now, list)
			return terminal
		}) {
			return
		}
		if terminal {
			return
		}
	}
}

// step 在锁内推进状态机；代数不匹配（已取消或已重启）时返回 false
func (w *Workflow) step(gen int, fn func(*Scan) bool) bool {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return false
	}
	terminal := fn(&w.scan)
	if terminal {
		w.finishLocked()
	}
	view := w.viewLocked()
	w.mu.Unlock()

	if terminal {
		metrics.WorkflowOutcomes.WithLabelValues("wifi_scan", view.State.String()).Inc()
		logger.Info("WiFi 扫描结束: %s，%d 个网络", view.State, len(view.Results))
	}
	w.notify(view)
	return true
}

func (w *Workflow) finishLocked() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

// Cancel 关闭扫描视图：立即停止本地轮询，主控侧不做任何取消
func (w *Workflow) Cancel() {
	w.mu.Lock()
	if !w.scan.Cancel() {
		w.mu.Unlock()
		return
	}
	w.gen++
	w.finishLocked()
	view := w.viewLocked()
	w.mu.Unlock()
	logger.Info("WiFi 扫描已取消")
	w.notify(view)
}

// Select 选中一个网络（隐藏网络可以手填任意非空 ssid）
func (w *Workflow) Select(ssid string) error {
	ssid = strings.TrimSpace(ssid)
	if ssid == "" {
		return ErrEmptySSID
	}
	w.mu.Lock()
	w.selected = ssid
	view := w.viewLocked()
	w.mu.Unlock()
	w.notify(view)
	return nil
}

// Result Connect 的结果
type Result struct {
	Outcome  Outcome
	Redirect string // 设备入网后预计的访问地址
}

// Connect 提交配网表单。ssid 为空时使用 Select 选中的网络；pass 可以为空（开放网络）。
// 提交期间停止本地扫描并拒绝新的扫描与重复提交；提交后流程进入 DONE（非 2xx 为 FAILED）。
func (w *Workflow) Connect(ctx context.Context, ssid, pass, name string) (Result, error) {
	ssid = strings.TrimSpace(ssid)
	w.mu.Lock()
	if w.submitting {
		w.mu.Unlock()
		return Result{}, ErrSubmitting
	}
	if ssid == "" {
		ssid = w.selected
	}
	if ssid == "" {
		w.mu.Unlock()
		return Result{}, ErrEmptySSID
	}
	if w.scan.Cancel() {
		logger.Info("提交配网前停止 WiFi 扫描")
	}
	w.gen++
	w.finishLocked()
	w.submitting = true
	w.selected = ssid
	w.outcome = OutcomeNone
	w.redirect = ""
	w.scan.Err = nil
	view := w.viewLocked()
	w.mu.Unlock()
	w.notify(view)

	err := w.api.ConnectWiFi(ctx, controllerapi.Credentials{SSID: ssid, Pass: pass, Name: name})
	res := Result{Redirect: "http://" + w.predictHost()}

	w.mu.Lock()
	w.submitting = false
	switch {
	case err == nil:
		res.Outcome = OutcomeSubmitted
	case controllerapi.IsStatus(err):
		// 主控明确拒绝，保持 OutcomeNone
	default:
		// 主控切网后热点消失，请求得不到响应
		res.Outcome = OutcomeHandover
	}
	w.outcome = res.Outcome
	if res.Outcome == OutcomeNone {
		w.scan.State = Failed
		w.scan.Err = err
	} else {
		w.scan.State = Done
		w.redirect = res.Redirect
	}
	view = w.viewLocked()
	w.mu.Unlock()
	w.notify(view)

	if res.Outcome == OutcomeNone {
		metrics.WorkflowOutcomes.WithLabelValues("wifi_connect", Failed.String()).Inc()
		logger.Warn("提交 WiFi 配置失败 ssid=%s: %v", ssid, err)
		return Result{}, err
	}
	metrics.WorkflowOutcomes.WithLabelValues("wifi_connect", res.Outcome.String()).Inc()
	if res.Outcome == OutcomeHandover {
		logger.Info("提交 WiFi 配置时连接中断（主控可能已切换网络）: %v", err)
	}
	logger.Info("WiFi 配置已提交 ssid=%s，稍后访问 %s", ssid, res.Redirect)
	return res, nil
}

// predictHost 入网后主控固定以 horus-<后缀>.local 出现，与表单里的设备名无关
func (w *Workflow) predictHost() string {
	suffix := ""
	if w.hostHint != nil {
		_, suffix = w.hostHint()
	}
	return devicestate.PredictHost(devicestate.FallbackSlug, suffix)
}

// Status 主控的上游 WiFi 状态
func (w *Workflow) Status(ctx context.Context) (controllerapi.WiFiStatus, error) {
	return w.api.WiFiStatus(ctx)
}

// DeviceState 主控是否处于配网模式
func (w *Workflow) DeviceState(ctx context.Context) (controllerapi.DeviceState, error) {
	return w.api.DeviceState(ctx)
}

// SkipSetup 跳过配网，返回主控之后的访问地址 http://horus-<suffix>.local
func (w *Workflow) SkipSetup(ctx context.Context) (string, error) {
	suffix := ""
	if ds, err := w.api.DeviceState(ctx); err == nil {
		suffix = ds.Suffix
	} else if w.hostHint != nil {
		_, suffix = w.hostHint()
	}
	if err := w.api.SkipSetup(ctx); err != nil {
		return "", fmt.Errorf("skip setup: %w", err)
	}
	return "http://" + devicestate.PredictHost(devicestate.FallbackSlug, suffix), nil
}

// Subscribe 订阅状态变化，返回取消订阅函数
func (w *Workflow) Subscribe(fn func(View)) func() {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = fn
	return func() {
		w.subMu.Lock()
		delete(w.subs, id)
		w.subMu.Unlock()
	}
}

func (w *Workflow) notify(v View) {
	w.subMu.RLock()
	ids := make([]int, 0, len(w.subs))
	for id := range w.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(View), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, w.subs[id])
	}
	w.subMu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}
