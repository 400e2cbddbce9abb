package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 演示环境：允许所有来源（生产环境需严格限制）
		return true
	},
}

// ServerConn 服务端连接：gorilla/websocket 加读写两个协程
type ServerConn struct {
	pipe
	ws  *websocket.Conn
	log *zap.SugaredLogger
}

// Accept 升级 HTTP 请求并启动读写协程
func Accept(w http.ResponseWriter, r *http.Request, log *zap.SugaredLogger) (*ServerConn, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	c := &ServerConn{ws: ws, log: log}
	c.init()
	c.setStatus(StatusConnected)
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Close 停止收发：写协程写完队列中剩余的消息后发送关闭帧并关闭底层连接
func (c *ServerConn) Close() error {
	c.shutdown()
	if !c.waitWritten() {
		return c.ws.Close()
	}
	return nil
}

func (c *ServerConn) write(kind int, msg []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(kind, msg)
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定时发送 ping
func (c *ServerConn) writePump() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
		close(c.written)
	}()
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.BinaryMessage, msg); err != nil {
				c.log.Debugw("ws write failed", "remote", c.ws.RemoteAddr().String(), "err", err)
				c.shutdown()
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			c.flush(func(b []byte) error { return c.write(websocket.BinaryMessage, b) })
			return
		}
	}
}

// readPump 读取客户端消息投递到 recv；退出时关闭 recv 通知上层
func (c *ServerConn) readPump() {
	defer func() {
		c.Close()
		close(c.recv)
	}()
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(readTimeout)); return nil })

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debugw("ws read failed", "remote", c.ws.RemoteAddr().String(), "err", err)
			}
			return
		}
		c.deliver(payload)
	}
}
