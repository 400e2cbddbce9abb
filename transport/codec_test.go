package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marblerace/netcode"
)

const kindProbe netcode.StateKind = 50

type probeState struct {
	V int `msgpack:"v"`
}

func init() {
	netcode.RegisterKind(kindProbe, "probe", func() any { return &probeState{} })
}

func TestEncodeDecode_Welcome(t *testing.T) {
	b, err := Encode(MsgWelcome, &Welcome{Player: 3, Marble: 1003, Tick: 120, Rate: 30, Floor: 30})
	require.NoError(t, err)

	env, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, MsgWelcome, env.Type)

	var w Welcome
	require.NoError(t, env.DecodeBody(&w))
	assert.Equal(t, Welcome{Player: 3, Marble: 1003, Tick: 120, Rate: 30, Floor: 30}, w)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte{0xc1})
	assert.True(t, errors.Is(err, ErrMalformed))

	b, err := Encode("", &Bye{})
	require.NoError(t, err)
	_, err = Decode(b)
	assert.True(t, errors.Is(err, ErrMalformed))

	b, err = Encode(MsgHello, "not a struct")
	require.NoError(t, err)
	env, err := Decode(b)
	require.NoError(t, err)
	var h UpdateBundle
	assert.True(t, errors.Is(env.DecodeBody(&h), ErrMalformed))
}

func TestWireUpdate_OwnerMapping(t *testing.T) {
	st, err := netcode.EncodeState(kindProbe, &probeState{V: 7})
	require.NoError(t, err)
	h := netcode.HistoryEntry{EntityID: 1002, GameStateID: 1, Tick: 44, State: st}

	b, err := Encode(MsgUpdates, &UpdateBundle{Frame: 50, Floor: 20, Updates: []WireUpdate{FromHistory(h, 2)}})
	require.NoError(t, err)
	env, err := Decode(b)
	require.NoError(t, err)
	var bundle UpdateBundle
	require.NoError(t, env.DecodeBody(&bundle))
	require.Len(t, bundle.Updates, 1)

	// 拥有者本人收到：本地
	u, err := bundle.Updates[0].EntityUpdate(9, 2)
	require.NoError(t, err)
	assert.Equal(t, netcode.OwnerLocal, u.Owner)
	assert.Equal(t, 9, u.GameStateID)
	assert.Equal(t, netcode.EntityID(1002), u.EntityID)
	assert.Equal(t, netcode.Tick(44), u.Frame)
	assert.True(t, st.Equal(u.Payload))

	// 其他会话收到：远端
	u, err = bundle.Updates[0].EntityUpdate(9, 5)
	require.NoError(t, err)
	assert.Equal(t, netcode.OwnerRemote, u.Owner)

	var got probeState
	require.NoError(t, netcode.DecodeInto(u.Payload, kindProbe, &got))
	assert.Equal(t, 7, got.V)
}

func TestWireUpdate_UnknownKind(t *testing.T) {
	_, err := WireUpdate{Entity: 1, Kind: 251}.EntityUpdate(1, 0)
	assert.True(t, errors.Is(err, netcode.ErrUnknownKind))
}
