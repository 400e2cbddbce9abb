package server

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"marblerace/netcode"
	"marblerace/sim"
	"marblerace/transport"
)

// SessionID 会话唯一标识；0 保留给服务端自身
type SessionID uint32

// Session 一个已握手的客户端连接及其拥有的弹珠
type Session struct {
	ID       SessionID
	Name     string
	Marble   netcode.EntityID
	JoinedAt time.Time

	conn    transport.Conn
	limiter *rate.Limiter
}

func newSession(id SessionID, name string, conn transport.Conn, perSec int) *Session {
	return &Session{
		ID:       id,
		Name:     name,
		Marble:   sim.MarbleIDBase + netcode.EntityID(id),
		JoinedAt: time.Now(),
		conn:     conn,
		limiter:  rate.NewLimiter(rate.Limit(perSec), perSec),
	}
}

// allow 令牌桶限流：每秒 perSec 条实体更新，允许一秒的突发
func (s *Session) allow() bool { return s.limiter.Allow() }

// setRate 热更新限流速率
func (s *Session) setRate(perSec int) {
	if s.limiter.Limit() == rate.Limit(perSec) {
		return
	}
	s.limiter.SetLimit(rate.Limit(perSec))
	s.limiter.SetBurst(perSec)
}

// send 非阻塞发送；连接已关闭时静默丢弃，由读协程负责触发离开
func (s *Session) send(b []byte) {
	if err := s.conn.Send(b); err != nil && !errors.Is(err, transport.ErrClosed) {
		Log.Debugw("session send failed", "session", s.ID, "err", err)
	}
}

// dropped 连接因队列满丢弃的消息数；不支持统计的连接返回 0
func (s *Session) dropped() uint64 {
	if d, ok := s.conn.(interface{ Dropped() uint64 }); ok {
		return d.Dropped()
	}
	return 0
}

func (s *Session) close() {
	_ = s.conn.Close()
}
