package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marblerace/netcode"
	"marblerace/server"
	"marblerace/sim"
	"marblerace/transport"
)

func testLevel() sim.Level {
	return sim.Level{
		Width:    2048,
		Height:   320,
		CellSize: 16,
		Solids:   []sim.Rect{{X: 0, Y: 200, W: 2048, H: 16}},
		Spawn:    sim.Rect{X: 100, Y: 188, W: 12, H: 12},
		Pickups:  []sim.Rect{{X: 1500, Y: 180, W: 16, H: 16}},
		Finish:   sim.Rect{X: 2000, Y: 150, W: 32, H: 50},
	}
}

func startServer(t *testing.T) (*server.Registry, string) {
	t.Helper()
	s := server.DefaultSettings()
	s.Level = testLevel()
	reg := server.NewRegistry(s, nil)
	srv := httptest.NewServer(server.HandleWS(reg))
	t.Cleanup(func() {
		srv.Close()
		reg.CloseAll()
	})
	return reg, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?game=race"
}

func connect(t *testing.T, url, name string, opts ...Option) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts = append([]Option{WithLevel(testLevel())}, opts...)
	s, err := Connect(ctx, url, name, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// tickUntil 以接近真实的节奏推进客户端，直到条件成立
func tickUntil(t *testing.T, cond func() bool, sessions ...*Session) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range sessions {
			require.NoError(t, s.Tick())
		}
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnect_Handshake(t *testing.T) {
	_, url := startServer(t)
	s := connect(t, url, "alice")

	assert.Equal(t, uint32(1), s.Player())
	assert.Equal(t, transport.StatusConnected, s.Status())
	assert.Equal(t, netcode.OwnerLocal, s.Marble().Owner())
	assert.Equal(t, sim.MarbleIDBase+1, s.Marble().ID())
	x, _ := s.Marble().Position()
	assert.Equal(t, 100.0, x)
}

func TestSession_OwnMarbleReachesServer(t *testing.T) {
	reg, url := startServer(t)
	s := connect(t, url, "alice")
	s.SetInput(1, false)

	g, ok := reg.Game("race")
	require.True(t, ok)
	tickUntil(t, func() bool {
		return g.Metrics().Snapshot()["updates_accepted"].(int64) > 5
	}, s)

	x, _ := s.Marble().Position()
	assert.Greater(t, x, 100.0)
	assert.Equal(t, int8(1), s.Marble().State().Dir)
}

func TestSession_SeesOtherMarbles(t *testing.T) {
	_, url := startServer(t)
	bob := connect(t, url, "bob")
	bob.SetInput(1, false)
	alice := connect(t, url, "alice")

	bobID := bob.Marble().ID()
	tickUntil(t, func() bool {
		m, ok := alice.World().Marble(bobID)
		if !ok {
			return false
		}
		x, _ := m.Position()
		return x > 110
	}, bob, alice)

	m, _ := alice.World().Marble(bobID)
	assert.Equal(t, netcode.OwnerRemote, m.Owner())

	// bob 离开后 alice 一侧移除其弹珠
	require.NoError(t, bob.Close())
	tickUntil(t, func() bool {
		_, ok := alice.World().Marble(bobID)
		return !ok
	}, alice)
}

func TestSession_DriverControlsInput(t *testing.T) {
	_, url := startServer(t)
	calls := 0
	s := connect(t, url, "bot", WithDriver(DriverFunc(func(netcode.Tick) (int8, bool) {
		calls++
		return -1, false
	})))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Tick())
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, int8(-1), s.Marble().State().Dir)
}

func TestConnect_RejectsNonWelcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := transport.Accept(w, r, nil)
		if err != nil {
			return
		}
		<-c.Receive()
		b, _ := transport.Encode(transport.MsgBye, &transport.Bye{Reason: "full"})
		_ = c.Send(b)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Connect(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "alice")
	assert.True(t, errors.Is(err, ErrHandshake))
}

func TestSession_RunStopsWhenServerGoes(t *testing.T) {
	reg, url := startServer(t)
	s := connect(t, url, "alice")

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	reg.Close("race")

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, transport.ErrClosed))
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, transport.StatusClosed, s.Status())
}

func TestSession_CloseSendsBye(t *testing.T) {
	last := make(chan transport.MessageType, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := transport.Accept(w, r, nil)
		if err != nil {
			return
		}
		<-c.Receive()
		b, _ := transport.Encode(transport.MsgWelcome, &transport.Welcome{Player: 1, Marble: int32(sim.MarbleIDBase + 1), Rate: 30})
		_ = c.Send(b)
		var typ transport.MessageType
		for msg := range c.Receive() {
			if env, err := transport.Decode(msg); err == nil {
				typ = env.Type
			}
		}
		last <- typ
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Connect(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "alice", WithLevel(testLevel()))
	require.NoError(t, err)
	require.NoError(t, s.Tick())
	require.NoError(t, s.Close())

	select {
	case typ := <-last:
		assert.Equal(t, transport.MsgBye, typ)
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the connection close")
	}
}

func TestSession_InterpolateSetsSubtick(t *testing.T) {
	_, url := startServer(t)
	s := connect(t, url, "alice")
	require.NoError(t, s.Tick())
	tick := float64(s.State().Tick())
	rate := float64(s.State().UpdateRate())

	got := s.Interpolate(s.tickedAt.Add(s.State().TickDuration() / 2))
	assert.InDelta(t, (tick+0.5)/rate, got, 1e-6)

	s.Interpolate(s.tickedAt.Add(time.Hour))
	assert.Less(t, s.State().SubtickCompletion(), 1.0)

	require.NoError(t, s.Tick())
	assert.Zero(t, s.State().SubtickCompletion())
}
