package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marblerace/transport"
)

func nextEnvelope(t *testing.T, c transport.Conn) transport.Envelope {
	t.Helper()
	select {
	case b, ok := <-c.Receive():
		require.True(t, ok, "connection closed")
		env, err := transport.Decode(b)
		require.NoError(t, err)
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return transport.Envelope{}
}

func TestHandleWS_HelloWelcome(t *testing.T) {
	reg := newTestRegistry(t)
	srv := httptest.NewServer(HandleWS(reg))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?game=race"
	c, err := transport.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer c.Close()

	hello, err := transport.Encode(transport.MsgHello, &transport.Hello{Name: "alice"})
	require.NoError(t, err)
	require.NoError(t, c.Send(hello))

	env := nextEnvelope(t, c)
	require.Equal(t, transport.MsgWelcome, env.Type)
	var w transport.Welcome
	require.NoError(t, env.DecodeBody(&w))
	assert.Equal(t, uint32(1), w.Player)
	assert.Equal(t, 30, w.Rate)

	// 随后是全量快照与增量
	env = nextEnvelope(t, c)
	assert.Equal(t, transport.MsgUpdates, env.Type)

	g, ok := reg.Game("race")
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		return g.Metrics().Snapshot()["sessions"] == int64(1)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHandleWS_RequiresHello(t *testing.T) {
	reg := newTestRegistry(t)
	srv := httptest.NewServer(HandleWS(reg))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	c, err := transport.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer c.Close()

	bye, err := transport.Encode(transport.MsgBye, &transport.Bye{})
	require.NoError(t, err)
	require.NoError(t, c.Send(bye))

	select {
	case _, ok := <-c.Receive():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not close the connection")
	}
	assert.Empty(t, reg.List())
}
