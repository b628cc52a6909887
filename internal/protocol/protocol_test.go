package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeAddsType(t *testing.T) {
	tests := []struct {
		name string
		msg  Outbound
		want string
	}{
		{"start", Command{Action: ActionStart}, `{"action":"start","type":"command"}`},
		{"partial settings", Settings{Dur: Ptr(15)}, `{"dur":15,"type":"settings"}`},
		{"espnow off is still sent", Settings{EspNow: Ptr(false)}, `{"espnow":false,"type":"settings"}`},
		{"peer", PeerSettings{Target: "AA:BB", TPD: 900, Dur: 10, Dir: DirBidirectional, Running: true},
			`{"dir":2,"dur":10,"running":true,"target":"AA:BB","tpd":900,"type":"peer_settings"}`},
		{"delete", DeletePeer{Target: "AA:BB"}, `{"target":"AA:BB","type":"del_peer"}`},
		{"check", CheckPeers{}, `{"type":"check_peers"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.msg)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(b))
		})
	}
}

func TestDecodePartial(t *testing.T) {
	in, err := Decode([]byte(`{"tpd":900}`))
	require.NoError(t, err)
	require.NotNil(t, in.TPD)
	assert.Equal(t, 900, *in.TPD)
	assert.Nil(t, in.Dur)
	assert.Nil(t, in.Running)
	assert.False(t, in.HasPeers())
	assert.False(t, in.IsError())
}

func TestDecodeZeroValuesArePresent(t *testing.T) {
	in, err := Decode([]byte(`{"running":false,"dir":0,"name":""}`))
	require.NoError(t, err)
	require.NotNil(t, in.Running)
	assert.False(t, *in.Running)
	require.NotNil(t, in.Dir)
	assert.Equal(t, DirCW, *in.Dir)
	require.NotNil(t, in.Name)
}

func TestDecodePeers(t *testing.T) {
	in, err := Decode([]byte(`{"peers":[]}`))
	require.NoError(t, err)
	assert.True(t, in.HasPeers(), "empty roster is still a snapshot")
	assert.Empty(t, in.Peers)

	in, err = Decode([]byte(`{"devices":[{"mac":"A","name":"box"}]}`))
	require.NoError(t, err)
	require.True(t, in.HasPeers())
	assert.Equal(t, "A", in.Peers[0].MAC)
}

func TestDecodeError(t *testing.T) {
	in, err := Decode([]byte(`{"type":"error","message":"peer offline"}`))
	require.NoError(t, err)
	assert.True(t, in.IsError())
	assert.Equal(t, "peer offline", in.Message)

	_, err = Decode([]byte(`{"tpd":`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"tpd":"fast"}`))
	assert.Error(t, err)
}

func TestPeerFrameResolveDefaults(t *testing.T) {
	var f PeerFrame
	require.NoError(t, json.Unmarshal([]byte(`{"mac":"AA:BB"}`), &f))
	p := f.Resolve()
	assert.Equal(t, Peer{
		MAC: "AA:BB", Name: "AA:BB", TPD: DefaultTPD, Dur: DefaultDur,
		Dir: DirBidirectional, Running: false, Online: true,
	}, p)

	bad := Direction(7)
	p = PeerFrame{MAC: "X", Dir: &bad, Online: Ptr(false)}.Resolve()
	assert.Equal(t, DirBidirectional, p.Dir)
	assert.False(t, p.Online)
}

func TestParseDirection(t *testing.T) {
	for in, want := range map[string]Direction{"cw": DirCW, "1": DirCCW, " Bi ": DirBidirectional} {
		got, err := ParseDirection(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseDirection("up")
	assert.Error(t, err)
}
