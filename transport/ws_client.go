package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// ClientConn 客户端连接：coder/websocket
type ClientConn struct {
	pipe
	ws     *websocket.Conn
	log    *zap.SugaredLogger
	cancel context.CancelFunc
}

// Dial 连接服务端。握手期间状态为 connecting，成功后为 connected。
func Dial(ctx context.Context, url string, log *zap.SugaredLogger) (*ClientConn, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &ClientConn{log: log}
	c.init()
	c.setStatus(StatusConnecting)

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		c.shutdown()
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(maxFrameSize)
	c.ws = ws
	c.setStatus(StatusConnected)

	// 连接生命周期独立于拨号用的 ctx
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.writeLoop(runCtx)
	go c.readLoop(runCtx)
	return c, nil
}

// Close 先写完已入队的消息（如 bye），再执行关闭握手
func (c *ClientConn) Close() error {
	if !c.shutdown() {
		return nil
	}
	c.waitWritten()
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	return err
}

func (c *ClientConn) writeLoop(ctx context.Context) {
	defer close(c.written)
	write := func(msg []byte) error {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return c.ws.Write(wctx, websocket.MessageBinary, msg)
	}
	for {
		select {
		case msg := <-c.send:
			if err := write(msg); err != nil {
				c.log.Debugw("ws write failed", "err", err)
				c.abort()
				return
			}
		case <-c.done:
			c.flush(write)
			return
		}
	}
}

func (c *ClientConn) readLoop(ctx context.Context) {
	defer close(c.recv)
	for {
		_, payload, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				c.log.Debugw("ws read failed", "err", err)
			}
			c.abort()
			return
		}
		c.deliver(payload)
	}
}

// abort 出错时立即断开，不做关闭握手
func (c *ClientConn) abort() {
	if c.shutdown() {
		c.cancel()
		_ = c.ws.CloseNow()
	}
}
