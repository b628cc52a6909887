// Package devicestate 主控自身设置的镜像，只随主控回报变化。
package devicestate

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/recaner35/HorusByWyntro/internal/dispatch"
	"github.com/recaner35/HorusByWyntro/internal/logger"
	"github.com/recaner35/HorusByWyntro/internal/protocol"
)

// SettingsDispatcher 由 dispatch.Dispatcher 实现
type SettingsDispatcher interface {
	Settings(in dispatch.SettingsIntent) error
}

// Store 主机设置镜像
type Store struct {
	dispatcher SettingsDispatcher

	mu       sync.RWMutex
	settings protocol.DeviceSettings
	seen     bool

	subMu   sync.RWMutex
	nextSub int
	subs    map[int]func(protocol.DeviceSettings)
}

func New(d SettingsDispatcher) *Store {
	return &Store{
		dispatcher: d,
		settings:   protocol.DefaultDeviceSettings(),
		subs:       map[int]func(protocol.DeviceSettings){},
	}
}

// Restore 用上次缓存的值做初始镜像（不算作收到过主控推送）
func (s *Store) Restore(ds protocol.DeviceSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen {
		return
	}
	if !ds.Dir.Valid() {
		ds.Dir = protocol.DefaultDirection
	}
	s.settings = ds
}

// ApplyPartial 只合并本次出现的字段，其余保持不变；随后通知订阅者
func (s *Store) ApplyPartial(u protocol.SettingsUpdate) {
	if u.Empty() {
		return
	}
	s.mu.Lock()
	next := s.settings
	if u.Running != nil {
		next.Running = *u.Running
	}
	if u.TPD != nil {
		next.TPD = *u.TPD
	}
	if u.Dur != nil {
		next.Dur = *u.Dur
	}
	if u.Dir != nil {
		if u.Dir.Valid() {
			next.Dir = *u.Dir
		} else {
			logger.Warn("忽略无效的转向值 %d", int(*u.Dir))
		}
	}
	if u.Name != nil {
		next.Name = *u.Name
	}
	if u.Suffix != nil {
		next.Suffix = *u.Suffix
	}
	if u.EspNow != nil {
		next.EspNow = *u.EspNow
	}
	s.settings = next
	s.seen = true
	s.mu.Unlock()

	s.notify(next)
}

// Snapshot 当前镜像
func (s *Store) Snapshot() protocol.DeviceSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Running 供 Toggle 使用
func (s *Store) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Running
}

// Seen 本进程是否收到过主控推送的状态
func (s *Store) Seen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seen
}

// Subscribe 订阅变更，返回取消订阅函数
func (s *Store) Subscribe(fn func(protocol.DeviceSettings)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(ds protocol.DeviceSettings) {
	s.subMu.RLock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(protocol.DeviceSettings), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn(ds)
	}
}

// DispatchSettings 把修改交给调度器；本地镜像等主控回显后才变化
func (s *Store) DispatchSettings(in dispatch.SettingsIntent) error {
	if s.dispatcher == nil {
		return errors.New("no dispatcher")
	}
	return s.dispatcher.Settings(in)
}

// Rename 下发新名称，返回设备重启后预计使用的主机名（仅供提示）
func (s *Store) Rename(name string) (string, error) {
	if err := s.DispatchSettings(dispatch.SettingsIntent{Name: &name}); err != nil {
		return "", err
	}
	host := PredictHost(strings.TrimSpace(name), s.Snapshot().Suffix)
	logger.Info("设备改名为 %q，预计新地址 http://%s", strings.TrimSpace(name), host)
	return host, nil
}
