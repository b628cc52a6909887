// Package ota 主控固件升级：触发后轮询状态直到终态，并区分真正装完与从未开始。
package ota

import (
	"context"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/recaner35/HorusByWyntro/internal/logger"
	"github.com/recaner35/HorusByWyntro/internal/metrics"
)

// API 由 controllerapi.Client 实现
type API interface {
	TriggerUpdate(ctx context.Context) (string, error)
	UpdateStatus(ctx context.Context) (string, error)
}

// View 面板展示用的快照
type View struct {
	State   State  `json:"state"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message"`
}

type Option func(*Workflow)

func WithClock(c clock.Clock) Option {
	return func(w *Workflow) { w.clock = c }
}

// Workflow 在线升级流程
type Workflow struct {
	api      API
	clock    clock.Clock
	interval time.Duration

	mu      sync.Mutex
	tracker Tracker
	gen     int
	cancel  context.CancelFunc

	subMu   sync.RWMutex
	nextSub int
	subs    map[int]func(View)
}

func New(api API, pollInterval, maxWait time.Duration, opts ...Option) *Workflow {
	w := &Workflow{
		api:      api,
		clock:    clock.RealClock{},
		interval: pollInterval,
		tracker:  Tracker{MaxWait: maxWait},
		subs:     map[int]func(View){},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tracker.State
}

func (w *Workflow) Message() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tracker.Message()
}

func (w *Workflow) Snapshot() View {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.viewLocked()
}

func (w *Workflow) viewLocked() View {
	return View{State: w.tracker.State, Status: w.tracker.LastStatus, Message: w.tracker.Message()}
}

// Trigger 请求升级并在后台轮询；进行中再次调用返回 ErrUpdateInProgress
func (w *Workflow) Trigger(ctx context.Context) error {
	w.mu.Lock()
	if err := w.tracker.Begin(w.clock.Now()); err != nil {
		w.mu.Unlock()
		return err
	}
	w.gen++
	gen := w.gen
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	view := w.viewLocked()
	w.mu.Unlock()

	logger.Info("请求固件升级")
	w.notify(view)
	go w.run(runCtx, gen)
	return nil
}

func (w *Workflow) run(ctx context.Context, gen int) {
	status, err := w.api.TriggerUpdate(ctx)
	var polling bool
	if !w.step(gen, func(t *Tracker) bool {
		t.Acknowledge(status, err)
		polling = t.State == Polling
		return !polling
	}) || !polling {
		return
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
		status, err := w.api.UpdateStatus(ctx)
		if ctx.Err() != nil {
			return
		}
		result := "ok"
		if err != nil {
			result = "error"
			logger.Debug("查询升级状态失败（设备可能正在重启）: %v", err)
		}
		metrics.WorkflowPolls.WithLabelValues("ota", result).Inc()

		now := w.clock.Now()
		var terminal bool
		if !w.step(gen, func(t *Tracker) bool {
			terminal = t.Observe(now, status, err)
			return terminal
		}) || terminal {
			return
		}
	}
}

func (w *Workflow) step(gen int, fn func(*Tracker) bool) bool {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return false
	}
	terminal := fn(&w.tracker)
	if terminal && w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	view := w.viewLocked()
	w.mu.Unlock()

	if terminal {
		metrics.WorkflowOutcomes.WithLabelValues("ota", view.State.String()).Inc()
		logger.Info("固件升级结束: %s (%s)", view.State, view.Message)
	}
	w.notify(view)
	return true
}

// Cancel 关闭升级视图：只停止本地轮询
func (w *Workflow) Cancel() {
	w.mu.Lock()
	if !w.tracker.Cancel() {
		w.mu.Unlock()
		return
	}
	w.gen++
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	view := w.viewLocked()
	w.mu.Unlock()
	w.notify(view)
}

// Probe 在未触发升级时查询一次主控状态，只更新展示用的 status，不会得出"已安装"
func (w *Workflow) Probe(ctx context.Context) (View, error) {
	status, err := w.api.UpdateStatus(ctx)
	if err != nil {
		return w.Snapshot(), err
	}
	w.mu.Lock()
	if w.tracker.State == Idle {
		w.tracker.LastStatus = status
	}
	view := w.viewLocked()
	w.mu.Unlock()
	return view, nil
}

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
