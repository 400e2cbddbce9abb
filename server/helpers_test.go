package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"marblerace/netcode"
	"marblerace/sim"
	"marblerace/transport"
)

// fakeConn 内存连接，记录发出的消息
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	recv   chan []byte
	closed bool
	drops  uint64
}

func newFakeConn() *fakeConn { return &fakeConn{recv: make(chan []byte, 16)} }

func (c *fakeConn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, b)
	return nil
}

func (c *fakeConn) Receive() <-chan []byte { return c.recv }

func (c *fakeConn) Status() transport.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.StatusClosed
	}
	return transport.StatusConnected
}

func (c *fakeConn) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drops
}

func (c *fakeConn) setDropped(n uint64) {
	c.mu.Lock()
	c.drops = n
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// envelopes 解析全部已发送消息
func (c *fakeConn) envelopes(t *testing.T) []transport.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Envelope, 0, len(c.sent))
	for _, b := range c.sent {
		env, err := transport.Decode(b)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// bundles 只取 updates 消息
func (c *fakeConn) bundles(t *testing.T) []transport.UpdateBundle {
	t.Helper()
	var out []transport.UpdateBundle
	for _, env := range c.envelopes(t) {
		if env.Type != transport.MsgUpdates {
			continue
		}
		var b transport.UpdateBundle
		require.NoError(t, env.DecodeBody(&b))
		out = append(out, b)
	}
	return out
}

func testLevel() sim.Level {
	return sim.Level{
		Width:    640,
		Height:   320,
		CellSize: 16,
		Solids:   []sim.Rect{{X: 0, Y: 200, W: 640, H: 16}},
		Spawn:    sim.Rect{X: 100, Y: 188, W: 12, H: 12},
		Finish:   sim.Rect{X: 600, Y: 150, W: 32, H: 50},
	}
}

func newTestGame(t *testing.T, cfg GameConfig) *Game {
	t.Helper()
	s := Settings{UpdateRate: 30, Level: testLevel(), Config: cfg}
	g := NewGame("test", 1, s, zaptest.NewLogger(t).Sugar())
	t.Cleanup(g.Stop)
	return g
}

func marbleUpdate(t *testing.T, id netcode.EntityID, frame netcode.Tick, st sim.MarbleState) []byte {
	t.Helper()
	s, err := netcode.EncodeState(sim.KindMarble, &st)
	require.NoError(t, err)
	b, err := transport.Encode(transport.MsgUpdates, &transport.UpdateBundle{
		Frame: int64(frame),
		Updates: []transport.WireUpdate{{
			Entity: int32(id),
			Frame:  int64(frame),
			Kind:   uint8(s.Kind),
			Data:   s.Data,
		}},
	})
	require.NoError(t, err)
	return b
}
