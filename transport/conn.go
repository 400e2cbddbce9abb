// Package transport 提供单一的连接接口与两种 WebSocket 实现：
// 服务端 Accept（gorilla/websocket）与客户端 Dial（coder/websocket）。
// 连接只负责收发二进制帧，网络协程从不直接触碰游戏状态。
package transport

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrClosed 连接已关闭
var ErrClosed = errors.New("transport: connection closed")

const (
	sendQueueSize = 64
	recvQueueSize = 256
	writeTimeout  = 5 * time.Second
	readTimeout   = 60 * time.Second
	pingInterval  = 25 * time.Second
	maxFrameSize  = 1 << 20 // 1MB
)

// Status 连接状态，对上层唯一可见的故障面
type Status int32

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// Conn 双向二进制消息连接
type Conn interface {
	// Send 非阻塞入队；队列满时丢弃并返回 nil，已关闭时返回 ErrClosed
	Send(b []byte) error
	// Receive 收到的消息；连接关闭后通道被关闭
	Receive() <-chan []byte
	Status() Status
	Close() error
}

// pipe 两种实现共用的收发队列与状态
type pipe struct {
	status  atomic.Int32
	send    chan []byte
	recv    chan []byte
	done    chan struct{}
	written chan struct{} // 写协程退出时关闭
	closed  atomic.Bool
	dropped atomic.Uint64
}

func (p *pipe) init() {
	p.send = make(chan []byte, sendQueueSize)
	p.recv = make(chan []byte, recvQueueSize)
	p.done = make(chan struct{})
	p.written = make(chan struct{})
}

func (p *pipe) Status() Status         { return Status(p.status.Load()) }
func (p *pipe) Receive() <-chan []byte { return p.recv }

// Dropped 因队列满被丢弃的消息数（收发合计）
func (p *pipe) Dropped() uint64 { return p.dropped.Load() }

func (p *pipe) setStatus(s Status) { p.status.Store(int32(s)) }

// Send 将要发送的消息压入队列（非阻塞，满则丢弃）
func (p *pipe) Send(b []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.send <- b:
	case <-p.done:
		return ErrClosed
	default:
		// 为了实时性丢弃，不阻塞 Tick
		p.dropped.Add(1)
	}
	return nil
}

// deliver 读协程投递收到的消息；满则丢弃
func (p *pipe) deliver(b []byte) {
	select {
	case p.recv <- b:
	default:
		p.dropped.Add(1)
	}
}

// flush 关闭后写出队列中剩余的消息，遇到写错误即停止
func (p *pipe) flush(write func([]byte) error) {
	for {
		select {
		case msg := <-p.send:
			if write(msg) != nil {
				return
			}
		default:
			return
		}
	}
}

// waitWritten 等待写协程写完剩余消息；超时返回 false
func (p *pipe) waitWritten() bool {
	select {
	case <-p.written:
		return true
	case <-time.After(writeTimeout):
		return false
	}
}

// shutdown 只执行一次，返回是否由本次调用关闭
func (p *pipe) shutdown() bool {
	if !p.closed.CompareAndSwap(false, true) {
		return false
	}
	p.setStatus(StatusClosed)
	close(p.done)
	return true
}
