package server

import (
	"net/http"
	"time"

	"marblerace/transport"
)

const helloTimeout = 5 * time.Second

// HandleWS WebSocket 接入：/ws?game=game-1
// 连接后的第一条消息必须是 hello，之后的消息全部交给对局的 Tick 协程处理。
func HandleWS(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameID := gameIDFrom(r)
		conn, err := transport.Accept(w, r, Log)
		if err != nil {
			Log.Warnf("upgrade error: %v", err)
			return
		}

		hello, ok := awaitHello(conn)
		if !ok {
			_ = conn.Close()
			return
		}
		name := hello.Name
		if name == "" {
			name = r.URL.Query().Get("name")
		}

		game := reg.GetOrCreateGame(gameID)
		s, err := game.Join(conn, name)
		if err != nil {
			_ = conn.Close()
			return
		}

		// 读循环：退出时通知对局在 Tick 线程中移除该会话
		go func() {
			defer game.RequestLeave(s.ID)
			for msg := range conn.Receive() {
				game.OnMessage(s.ID, msg)
			}
		}()
	}
}

func awaitHello(conn transport.Conn) (transport.Hello, bool) {
	var h transport.Hello
	select {
	case b, ok := <-conn.Receive():
		if !ok {
			return h, false
		}
		env, err := transport.Decode(b)
		if err != nil || env.Type != transport.MsgHello {
			Log.Debugw("expected hello", "err", err, "type", env.Type)
			return h, false
		}
		if err := env.DecodeBody(&h); err != nil {
			return h, false
		}
		return h, true
	case <-time.After(helloTimeout):
		Log.Debugw("hello timeout")
		return h, false
	}
}
