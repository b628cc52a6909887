package roster

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaner35/HorusByWyntro/internal/dispatch"
	"github.com/recaner35/HorusByWyntro/internal/protocol"
)

type fakeSender struct {
	sent []protocol.Outbound
	err  error
}

func (f *fakeSender) Send(msg protocol.Outbound) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func newRoster() (*Roster, *fakeSender) {
	s := &fakeSender{}
	return New(dispatch.New(s, dispatch.DefaultLimits())), s
}

func frame(mac string, running bool) protocol.PeerFrame {
	return protocol.PeerFrame{MAC: mac, Name: "peer " + mac, Running: protocol.Ptr(running)}
}

func macs(peers []protocol.Peer) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.MAC)
	}
	return out
}

func TestSnapshotReplacesWholesale(t *testing.T) {
	r, _ := newRoster()
	assert.False(t, r.Received())

	r.ReplaceSnapshot([]protocol.PeerFrame{frame("A", false)})
	r.ReplaceSnapshot([]protocol.PeerFrame{frame("B", false)})
	assert.Equal(t, []string{"B"}, macs(r.Peers()))

	r.ReplaceSnapshot([]protocol.PeerFrame{})
	assert.Empty(t, r.Peers())
	assert.True(t, r.Received())
}

func TestSnapshotAppliesDefaults(t *testing.T) {
	r, _ := newRoster()
	r.ReplaceSnapshot([]protocol.PeerFrame{{MAC: "AA"}, {MAC: ""}, {MAC: "AA", Name: "dup"}})

	want := []protocol.Peer{{
		MAC: "AA", Name: "AA", TPD: protocol.DefaultTPD, Dur: protocol.DefaultDur,
		Dir: protocol.DefaultDirection, Online: true,
	}}
	if diff := cmp.Diff(want, r.Peers()); diff != "" {
		t.Fatalf("peers mismatch (-want +got):\n%s", diff)
	}
}

func TestSetRunningSendsFullTuple(t *testing.T) {
	r, s := newRoster()
	r.ReplaceSnapshot([]protocol.PeerFrame{{
		MAC: "AA", TPD: protocol.Ptr(1500), Dur: protocol.Ptr(30), Dir: protocol.Ptr(protocol.DirCW),
	}})

	require.NoError(t, r.SendPeerCommand("AA", SetRunning{Running: true}))
	assert.Equal(t, []protocol.Outbound{protocol.PeerSettings{
		Target: "AA", TPD: 1500, Dur: 30, Dir: protocol.DirCW, Running: true,
	}}, s.sent)
	assert.True(t, r.Peers()[0].Running, "optimistic overlay")
	assert.True(t, r.Pending("AA"))
}

func TestPendingClearedWhenConfirmed(t *testing.T) {
	r, _ := newRoster()
	r.ReplaceSnapshot([]protocol.PeerFrame{frame("AA", false)})
	require.NoError(t, r.SendPeerCommand("AA", UpdateSettings{Dur: 45}))

	p := r.Peers()[0]
	assert.Equal(t, 45, p.Dur)
	assert.Equal(t, protocol.DefaultTPD, p.TPD, "missing values come from the current view")

	confirmed := frame("AA", false)
	confirmed.Dur = protocol.Ptr(45)
	r.ReplaceSnapshot([]protocol.PeerFrame{confirmed})
	assert.False(t, r.Pending("AA"))
	assert.Equal(t, 45, r.Peers()[0].Dur)
}

func TestUnconfirmedChangeRevertsAfterTwoSnapshots(t *testing.T) {
	r, _ := newRoster()
	stale := []protocol.PeerFrame{frame("AA", false)}
	r.ReplaceSnapshot(stale)
	require.NoError(t, r.SendPeerCommand("AA", SetRunning{Running: true}))

	r.ReplaceSnapshot(stale)
	assert.True(t, r.Peers()[0].Running, "one stale snapshot keeps the overlay")

	r.ReplaceSnapshot(stale)
	assert.False(t, r.Peers()[0].Running, "controller wins")
	assert.False(t, r.Pending("AA"))
}

func TestDeleteHidesPeerUntilReconciled(t *testing.T) {
	r, s := newRoster()
	r.ReplaceSnapshot([]protocol.PeerFrame{frame("AA", false), frame("BB", false)})

	require.NoError(t, r.SendPeerCommand("AA", Delete{}))
	assert.Equal(t, protocol.DeletePeer{Target: "AA"}, s.sent[0])
	assert.Equal(t, []string{"BB"}, macs(r.Peers()))

	still := []protocol.PeerFrame{frame("AA", false), frame("BB", false)}
	r.ReplaceSnapshot(still)
	assert.Equal(t, []string{"BB"}, macs(r.Peers()))
	r.ReplaceSnapshot(still)
	assert.Equal(t, []string{"AA", "BB"}, macs(r.Peers()), "peer still reported reappears")
}

func TestDeleteConfirmedBySnapshot(t *testing.T) {
	r, _ := newRoster()
	r.ReplaceSnapshot([]protocol.PeerFrame{frame("AA", false)})
	require.NoError(t, r.SendPeerCommand("AA", Delete{}))
	r.ReplaceSnapshot([]protocol.PeerFrame{})
	assert.False(t, r.Pending("AA"))
	assert.Empty(t, r.Peers())
}

func TestSendPeerCommandErrors(t *testing.T) {
	r, s := newRoster()
	assert.ErrorIs(t, r.SendPeerCommand("ZZ", SetRunning{}), ErrUnknownPeer)

	r.ReplaceSnapshot([]protocol.PeerFrame{frame("AA", false)})
	assert.ErrorIs(t, r.SendPeerCommand("AA", UpdateSettings{Dir: 5}), dispatch.ErrInvalidDir)

	s.err = errors.New("session not open")
	err := r.SendPeerCommand("AA", SetRunning{Running: true})
	assert.ErrorIs(t, err, dispatch.ErrNotDelivered)
	assert.False(t, r.Pending("AA"))
	assert.False(t, r.Peers()[0].Running)
}

func TestSubscribersSeeEveryChange(t *testing.T) {
	r, _ := newRoster()
	var views [][]protocol.Peer
	r.Subscribe(func(p []protocol.Peer) { views = append(views, p) })

	r.ReplaceSnapshot([]protocol.PeerFrame{frame("AA", false)})
	require.NoError(t, r.SendPeerCommand("AA", SetRunning{Running: true}))
	require.Len(t, views, 2)
	assert.False(t, views[0][0].Running)
	assert.True(t, views[1][0].Running)
}
