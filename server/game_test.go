package server

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marblerace/netcode"
	"marblerace/sim"
	"marblerace/transport"
)

func joinAndTick(t *testing.T, g *Game, name string) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	s, err := g.Join(conn, name)
	require.NoError(t, err)
	g.runTick()
	return s, conn
}

func TestGame_JoinSendsWelcomeAndSnapshot(t *testing.T) {
	g := newTestGame(t, DefaultGameConfig())
	g.runTick()

	s, conn := joinAndTick(t, g, "alice")
	assert.Equal(t, SessionID(1), s.ID)
	assert.Equal(t, sim.MarbleIDBase+1, s.Marble)

	envs := conn.envelopes(t)
	require.GreaterOrEqual(t, len(envs), 2)
	require.Equal(t, transport.MsgWelcome, envs[0].Type)

	var w transport.Welcome
	require.NoError(t, envs[0].DecodeBody(&w))
	assert.Equal(t, uint32(1), w.Player)
	assert.Equal(t, int32(sim.MarbleIDBase+1), w.Marble)
	assert.Equal(t, int64(0), w.Tick)
	assert.Equal(t, 30, w.Rate)

	// 第二条为全量快照，包含新弹珠且拥有者为该会话
	require.Equal(t, transport.MsgUpdates, envs[1].Type)
	var snap transport.UpdateBundle
	require.NoError(t, envs[1].DecodeBody(&snap))
	found := false
	for _, u := range snap.Updates {
		if u.Entity == int32(s.Marble) {
			found = true
			assert.Equal(t, uint32(s.ID), u.Owner)
		}
	}
	assert.True(t, found)
	assert.Equal(t, int64(1), g.Metrics().Snapshot()["sessions"])
}

func TestGame_AcceptsOwnMarbleUpdateAndRewinds(t *testing.T) {
	g := newTestGame(t, DefaultGameConfig())
	g.runTick()
	s, conn := joinAndTick(t, g, "alice")
	g.runTick()
	require.Equal(t, netcode.Tick(2), g.state.Tick())

	g.OnMessage(s.ID, marbleUpdate(t, s.Marble, 1, sim.MarbleState{X: 300, Y: 188, OnGround: true}))
	g.runTick()

	assert.Equal(t, int64(1), g.Metrics().UpdatesAccepted)
	m, ok := g.world.Marble(s.Marble)
	require.True(t, ok)
	x, y := m.Position()
	assert.Equal(t, 300.0, x)
	assert.Equal(t, 188.0, y)
	assert.Equal(t, netcode.Tick(2), g.engine.LastReconciliationSpan())

	// 被改写的帧会重新广播
	bundles := conn.bundles(t)
	last := bundles[len(bundles)-1]
	rebroadcast := false
	for _, u := range last.Updates {
		if u.Entity == int32(s.Marble) && u.Frame == 1 {
			rebroadcast = true
		}
	}
	assert.True(t, rebroadcast)
}

func TestGame_RejectsOtherEntities(t *testing.T) {
	g := newTestGame(t, DefaultGameConfig())
	g.runTick()
	alice, _ := joinAndTick(t, g, "alice")
	bob, _ := joinAndTick(t, g, "bob")

	g.OnMessage(alice.ID, marbleUpdate(t, bob.Marble, 1, sim.MarbleState{X: 5}))
	g.OnMessage(alice.ID, marbleUpdate(t, sim.PlatformIDBase, 1, sim.MarbleState{X: 5}))
	g.runTick()

	assert.Equal(t, int64(2), g.Metrics().Unauthorized)
	assert.Zero(t, g.Metrics().UpdatesAccepted)
	m, ok := g.world.Marble(bob.Marble)
	require.True(t, ok)
	x, _ := m.Position()
	assert.Equal(t, 100.0, x)
}

func TestGame_RateLimitsPerSession(t *testing.T) {
	cfg := DefaultGameConfig()
	cfg.MaxUpdatesPerSec = 1
	g := newTestGame(t, cfg)
	g.runTick()
	s, _ := joinAndTick(t, g, "alice")

	for i := 0; i < 3; i++ {
		g.OnMessage(s.ID, marbleUpdate(t, s.Marble, 1, sim.MarbleState{X: 120, Y: 188}))
	}
	g.runTick()

	assert.Equal(t, int64(1), g.Metrics().UpdatesAccepted)
	assert.Equal(t, int64(2), g.Metrics().RateLimited)
}

func TestGame_MalformedMessagesAreCounted(t *testing.T) {
	g := newTestGame(t, DefaultGameConfig())
	s, _ := joinAndTick(t, g, "alice")

	g.OnMessage(s.ID, []byte("garbage"))
	hello, err := transport.Encode(transport.MsgHello, &transport.Hello{Name: "again"})
	require.NoError(t, err)
	g.OnMessage(s.ID, hello)
	g.runTick()

	assert.Equal(t, int64(2), g.Metrics().Malformed)
}

func TestGame_LeaveBroadcastsLeft(t *testing.T) {
	g := newTestGame(t, DefaultGameConfig())
	alice, aliceConn := joinAndTick(t, g, "alice")
	_, bobConn := joinAndTick(t, g, "bob")

	g.RequestLeave(alice.ID)
	g.runTick()

	assert.Equal(t, transport.StatusClosed, aliceConn.Status())
	_, ok := g.world.Marble(alice.Marble)
	assert.False(t, ok)
	_, ok = g.engine.Entity(alice.Marble)
	assert.False(t, ok)

	var left *transport.Left
	for _, env := range bobConn.envelopes(t) {
		if env.Type == transport.MsgLeft {
			left = &transport.Left{}
			require.NoError(t, env.DecodeBody(left))
		}
	}
	require.NotNil(t, left)
	assert.Equal(t, int32(alice.Marble), left.Marble)

	// 离开的弹珠不再出现在之后的广播中
	n := len(bobConn.bundles(t))
	g.runTick()
	for _, b := range bobConn.bundles(t)[n:] {
		for _, u := range b.Updates {
			assert.NotEqual(t, int32(alice.Marble), u.Entity)
		}
	}
}

func TestGame_ByeRemovesSession(t *testing.T) {
	g := newTestGame(t, DefaultGameConfig())
	s, conn := joinAndTick(t, g, "alice")

	bye, err := transport.Encode(transport.MsgBye, &transport.Bye{Reason: "done"})
	require.NoError(t, err)
	g.OnMessage(s.ID, bye)
	g.runTick()

	assert.Equal(t, transport.StatusClosed, conn.Status())
	assert.Equal(t, int64(0), g.Metrics().Snapshot()["sessions"])
}

func TestGame_SimulatedDropAndDelay(t *testing.T) {
	cfg := DefaultGameConfig()
	cfg.SimulateDropProb = 1
	g := newTestGame(t, cfg)
	s, _ := joinAndTick(t, g, "alice")

	g.OnMessage(s.ID, marbleUpdate(t, s.Marble, 0, sim.MarbleState{X: 120, Y: 188}))
	g.runTick()
	assert.Equal(t, int64(1), g.Metrics().DropsSimulated)
	assert.Zero(t, g.Metrics().UpdatesAccepted)

	drop := 0.0
	delay := 60_000
	_, err := g.UpdateConfig(configPatch{SimulateDropProb: &drop, SimulateDelayMinMs: &delay, SimulateDelayMaxMs: &delay})
	require.NoError(t, err)

	g.OnMessage(s.ID, marbleUpdate(t, s.Marble, 0, sim.MarbleState{X: 120, Y: 188}))
	g.runTick()
	assert.Zero(t, g.Metrics().UpdatesAccepted)
	assert.Len(t, g.delayed, 1)
}

func TestGame_HistoryIsPruned(t *testing.T) {
	cfg := DefaultGameConfig()
	cfg.RewindWindow = 10
	g := newTestGame(t, cfg)
	s, _ := joinAndTick(t, g, "alice")
	m, _ := g.world.Marble(s.Marble)
	m.SetInput(1, false)

	for i := 0; i < 100; i++ {
		g.runTick()
	}
	assert.Equal(t, netcode.Tick(90), g.engine.RewindFloor())
	// 每个实体最多保留窗口内的记录加一条基准
	assert.LessOrEqual(t, g.engine.Store().Len(1), 12)
	assert.Equal(t, int64(g.engine.Store().Len(1)), g.Metrics().HistoryLen)
}

func TestGame_StopRejectsJoin(t *testing.T) {
	g := newTestGame(t, DefaultGameConfig())
	g.StartTicker()
	g.Stop()

	_, err := g.Join(newFakeConn(), "late")
	assert.True(t, errors.Is(err, errGameClosed))
	g.Stop()
}

func TestGame_StopClosesPendingJoins(t *testing.T) {
	g := newTestGame(t, DefaultGameConfig())
	conn := newFakeConn()
	_, err := g.Join(conn, "pending")
	require.NoError(t, err)

	g.Stop()

	assert.True(t, conn.isClosed())
	assert.Empty(t, g.sessions)
}

func TestGame_ReportsConnectionDrops(t *testing.T) {
	g := newTestGame(t, DefaultGameConfig())
	alice, aliceConn := joinAndTick(t, g, "alice")
	_, bobConn := joinAndTick(t, g, "bob")

	aliceConn.setDropped(3)
	bobConn.setDropped(2)
	g.runTick()
	assert.Equal(t, int64(5), g.Metrics().Snapshot()["conn_dropped"])

	// 离开的会话计数仍然保留
	g.RequestLeave(alice.ID)
	g.runTick()
	assert.Equal(t, int64(5), g.Metrics().Snapshot()["conn_dropped"])
}

func TestGame_EntityStatesAreDecoded(t *testing.T) {
	g := newTestGame(t, DefaultGameConfig())
	s, _ := joinAndTick(t, g, "alice")
	g.runTick()

	states := g.EntityStates()
	require.NotEmpty(t, states)
	var marble *EntityState
	for i := range states {
		if states[i].ID == s.Marble {
			marble = &states[i]
		}
	}
	require.NotNil(t, marble)
	assert.Equal(t, "marble", marble.Kind)
	st, ok := marble.State.(*sim.MarbleState)
	require.True(t, ok)
	assert.Equal(t, 100.0, st.X)
}

func TestConfig_InvalidPatchKeepsConfig(t *testing.T) {
	g := newTestGame(t, DefaultGameConfig())
	bad := -1
	_, err := g.UpdateConfig(configPatch{RewindWindow: &bad})
	assert.True(t, errors.Is(err, errInvalidConfig))
	assert.Equal(t, DefaultGameConfig(), g.Config())

	lo, hi := 50, 10
	_, err = g.UpdateConfig(configPatch{SimulateDelayMinMs: &lo, SimulateDelayMaxMs: &hi})
	assert.Error(t, err)

	w := 5
	cfg, err := g.UpdateConfig(configPatch{RewindWindow: &w})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RewindWindow)
	assert.Equal(t, 5, g.Config().RewindWindow)
}
