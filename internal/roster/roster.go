// Package roster 从机列表：以主控快照为准，已发出未确认的操作叠加在快照之上。
package roster

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/recaner35/HorusByWyntro/internal/dispatch"
	"github.com/recaner35/HorusByWyntro/internal/logger"
	"github.com/recaner35/HorusByWyntro/internal/metrics"
	"github.com/recaner35/HorusByWyntro/internal/protocol"
)

// reconcileSnapshots 未被确认的乐观修改最多保留的快照数
const reconcileSnapshots = 2

var ErrUnknownPeer = errors.New("unknown peer")

// PeerDispatcher 由 dispatch.Dispatcher 实现
type PeerDispatcher interface {
	PeerSettings(in dispatch.PeerSettingsIntent) (protocol.PeerSettings, error)
	DeletePeer(target string) error
}

// Intent 对单台从机的操作
type Intent interface {
	intent()
}

// SetRunning 启停从机
type SetRunning struct {
	Running bool
}

// UpdateSettings 修改从机参数；nil 字段沿用当前值
type UpdateSettings struct {
	TPD any
	Dur any
	Dir any
}

// Delete 从主控配对表删除
type Delete struct{}

func (SetRunning) intent()     {}
func (UpdateSettings) intent() {}
func (Delete) intent()         {}

type pending struct {
	deleted  bool
	settings *protocol.PeerSettings
	age      int
}

// Roster 从机列表
type Roster struct {
	dispatcher PeerDispatcher

	mu       sync.Mutex
	snapshot []protocol.Peer
	pending  map[string]*pending
	received bool

	subMu   sync.RWMutex
	nextSub int
	subs    map[int]func([]protocol.Peer)
}

func New(d PeerDispatcher) *Roster {
	return &Roster{
		dispatcher: d,
		pending:    map[string]*pending{},
		subs:       map[int]func([]protocol.Peer){},
	}
}

// ReplaceSnapshot 用主控的快照整体替换，快照里没有的从机随之消失
func (r *Roster) ReplaceSnapshot(frames []protocol.PeerFrame) {
	peers := make([]protocol.Peer, 0, len(frames))
	index := map[string]int{}
	for _, f := range frames {
		p := f.Resolve()
		if p.MAC == "" {
			continue
		}
		if _, dup := index[p.MAC]; dup {
			continue
		}
		index[p.MAC] = len(peers)
		peers = append(peers, p)
	}

	r.mu.Lock()
	r.snapshot = peers
	r.received = true
	for mac, pd := range r.pending {
		i, present := index[mac]
		if pd.deleted {
			if !present {
				delete(r.pending, mac)
				continue
			}
		} else {
			if !present || confirms(peers[i], pd.settings) {
				delete(r.pending, mac)
				continue
			}
		}
		pd.age++
		if pd.age >= reconcileSnapshots {
			logger.Info("从机 %s 的修改未被主控确认，以主控快照为准", mac)
			delete(r.pending, mac)
		}
	}
	view := r.viewLocked()
	r.mu.Unlock()

	metrics.RosterPeers.Set(float64(len(peers)))
	r.notify(view)
}

func confirms(p protocol.Peer, want *protocol.PeerSettings) bool {
	return p.TPD == want.TPD && p.Dur == want.Dur && p.Dir == want.Dir && p.Running == want.Running
}

// Peers 当前视图：快照叠加未确认的修改，已请求删除的从机不显示
func (r *Roster) Peers() []protocol.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

// Received 是否收到过快照
func (r *Roster) Received() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received
}

// Pending 是否有尚未确认的修改
func (r *Roster) Pending(mac string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[normalizeMAC(mac)]
	return ok
}

func (r *Roster) viewLocked() []protocol.Peer {
	out := make([]protocol.Peer, 0, len(r.snapshot))
	for _, p := range r.snapshot {
		pd, ok := r.pending[p.MAC]
		if ok && pd.deleted {
			continue
		}
		if ok && pd.settings != nil {
			p.TPD = pd.settings.TPD
			p.Dur = pd.settings.Dur
			p.Dir = pd.settings.Dir
			p.Running = pd.settings.Running
		}
		out = append(out, p)
	}
	return out
}

func (r *Roster) lookup(mac string) (protocol.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.viewLocked() {
		if p.MAC == mac {
			return p, true
		}
	}
	return protocol.Peer{}, false
}

// SendPeerCommand 对从机下发操作。发送成功后记录为待确认；未送达直接返回错误。
func (r *Roster) SendPeerCommand(mac string, in Intent) error {
	mac = normalizeMAC(mac)
	cur, ok := r.lookup(mac)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, mac)
	}

	var pd *pending
	switch v := in.(type) {
	case SetRunning:
		sent, err := r.dispatcher.PeerSettings(dispatch.PeerSettingsIntent{
			Target:  mac,
			TPD:     cur.TPD,
			Dur:     cur.Dur,
			Dir:     cur.Dir,
			Running: v.Running,
		})
		if err != nil {
			return err
		}
		pd = &pending{settings: &sent}
	case UpdateSettings:
		intent := dispatch.PeerSettingsIntent{
			Target:  mac,
			TPD:     v.TPD,
			Dur:     v.Dur,
			Dir:     v.Dir,
			Running: cur.Running,
		}
		if intent.TPD == nil {
			intent.TPD = cur.TPD
		}
		if intent.Dur == nil {
			intent.Dur = cur.Dur
		}
		if intent.Dir == nil {
			intent.Dir = cur.Dir
		}
		sent, err := r.dispatcher.PeerSettings(intent)
		if err != nil {
			return err
		}
		pd = &pending{settings: &sent}
	case Delete:
		if err := r.dispatcher.DeletePeer(mac); err != nil {
			return err
		}
		pd = &pending{deleted: true}
	default:
		return fmt.Errorf("unsupported peer intent %T", in)
	}

	r.mu.Lock()
	r.pending[mac] = pd
	view := r.viewLocked()
	r.mu.Unlock()
	r.notify(view)
	return nil
}

// Subscribe 订阅视图变化，返回取消订阅函数
func (r *Roster) Subscribe(fn func([]protocol.Peer)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Roster) notify(view []protocol.Peer) {
	r.subMu.RLock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func([]protocol.Peer), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	r.subMu.RUnlock()
	for _, fn := range fns {
		fn(view)
	}
}

func normalizeMAC(mac string) string {
	return strings.TrimSpace(mac)
}
