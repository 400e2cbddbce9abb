// Package client 无界面的客户端会话：拨号、握手，并以固定频率驱动对账引擎。
//
// 自己的弹珠归本地所有，立即响应输入；其余实体以服务端广播为准，
// 迟到的权威状态通过回滚重放合入本地时间线。
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"marblerace/netcode"
	"marblerace/sim"
	"marblerace/transport"
)

const (
	// gameStateID 客户端只有一局，固定使用 1
	gameStateID = 1

	statusEverySecs = 5
)

// ErrHandshake 握手失败
var ErrHandshake = errors.New("client: handshake failed")

// Driver 每帧提供本地输入
type Driver interface {
	Input(tick netcode.Tick) (dir int8, jump bool)
}

// DriverFunc 函数形式的 Driver
type DriverFunc func(tick netcode.Tick) (int8, bool)

func (f DriverFunc) Input(tick netcode.Tick) (int8, bool) { return f(tick) }

type Option func(*options)

type options struct {
	log          *zap.SugaredLogger
	level        sim.Level
	rewindWindow netcode.Tick
	driver       Driver
}

func WithLogger(l *zap.SugaredLogger) Option { return func(o *options) { o.log = l } }
func WithLevel(l sim.Level) Option           { return func(o *options) { o.level = l } }
func WithDriver(d Driver) Option             { return func(o *options) { o.driver = d } }

// WithRewindWindow 本地允许被权威更新改写的帧数
func WithRewindWindow(n int) Option {
	return func(o *options) { o.rewindWindow = netcode.Tick(n) }
}

// Session 一个已加入对局的客户端
type Session struct {
	conn   transport.Conn
	log    *zap.SugaredLogger
	opts   options
	player uint32

	state  *netcode.GameState
	world  *sim.World
	engine *netcode.Engine
	marble *sim.Marble

	// 以下由 Tick 所在协程访问
	lastSent  netcode.Tick
	malformed uint64
	tickedAt  time.Time

	mu    sync.Mutex
	dir   int8
	jump  bool
	dirty bool
}

// Connect 拨号、发送 hello 并等待 welcome，然后按服务端帧号建立本地时间线
func Connect(ctx context.Context, url, name string, opts ...Option) (*Session, error) {
	o := options{level: sim.DefaultLevel(), rewindWindow: 60}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop().Sugar()
	}

	conn, err := transport.Dial(ctx, url, o.log)
	if err != nil {
		return nil, err
	}
	s, err := handshake(ctx, conn, name, o)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func handshake(ctx context.Context, conn transport.Conn, name string, o options) (*Session, error) {
	hello, err := transport.Encode(transport.MsgHello, &transport.Hello{Name: name})
	if err != nil {
		return nil, err
	}
	if err := conn.Send(hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	var w transport.Welcome
	select {
	case b, ok := <-conn.Receive():
		if !ok {
			return nil, fmt.Errorf("%w: connection closed", ErrHandshake)
		}
		env, err := transport.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if env.Type != transport.MsgWelcome {
			return nil, fmt.Errorf("%w: unexpected %s", ErrHandshake, env.Type)
		}
		if err := env.DecodeBody(&w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrHandshake, ctx.Err())
	}

	cfg := netcode.DefaultConfig()
	if w.Rate > 0 {
		cfg.UpdateRate = w.Rate
	}
	state := netcode.NewGameState(gameStateID, cfg)
	state.Reset(netcode.Tick(w.Tick), netcode.Tick(w.Tick))

	world := sim.NewWorld(state, o.level, netcode.OwnerRemote)
	marble := world.SpawnMarble(netcode.EntityID(w.Marble), netcode.OwnerLocal)
	engine := netcode.NewEngine(state, world,
		netcode.WithLogger(o.log),
		netcode.WithRewindFloor(netcode.Tick(w.Floor)))
	for _, ent := range world.Entities() {
		engine.AddEntity(ent)
	}
	engine.Start()

	o.log.Infow("joined", "player", w.Player, "marble", w.Marble, "tick", w.Tick, "rate", w.Rate)
	return &Session{
		conn:     conn,
		log:      o.log,
		opts:     o,
		player:   w.Player,
		state:    state,
		world:    world,
		engine:   engine,
		marble:   marble,
		lastSent: state.Tick(),
	}, nil
}

func (s *Session) Player() uint32            { return s.player }
func (s *Session) Marble() *sim.Marble       { return s.marble }
func (s *Session) World() *sim.World         { return s.world }
func (s *Session) Engine() *netcode.Engine   { return s.engine }
func (s *Session) Status() transport.Status  { return s.conn.Status() }
func (s *Session) State() *netcode.GameState { return s.state }

// SetInput 可由任意协程调用，下一次 Tick 生效
func (s *Session) SetInput(dir int8, jump bool) {
	s.mu.Lock()
	s.dir, s.jump, s.dirty = dir, jump, true
	s.mu.Unlock()
}

// Tick 推进一帧：处理入站 → 输入 → 对账推进 → 发送自己的弹珠状态
func (s *Session) Tick() error {
	if err := s.drain(); err != nil {
		return err
	}
	s.applyInput()

	floor := s.state.Tick() + 1 - s.opts.rewindWindow
	if floor < s.engine.RewindFloor() {
		floor = s.engine.RewindFloor()
	}
	s.engine.SetRewindFloor(floor)
	s.engine.Step()
	s.world.Smooth()
	s.state.SetSubtickCompletion(0)
	s.tickedAt = time.Now()

	if err := s.sendOwnState(); err != nil {
		return err
	}
	s.engine.PruneHistory(s.opts.rewindWindow)
	return nil
}

// Run 以服务端帧率驱动 Tick，直到 ctx 结束或连接关闭
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.state.TickDuration())
	defer ticker.Stop()
	every := netcode.Tick(statusEverySecs * s.state.UpdateRate())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(); err != nil {
				return err
			}
			if s.state.Tick()%every == 0 {
				s.logStatus()
			}
		}
	}
}

// Interpolate 按距上一帧的墙钟时间设置子帧进度，返回渲染用的连续时间（秒）。
// 与 Tick 在同一协程调用。
func (s *Session) Interpolate(now time.Time) float64 {
	if !s.tickedAt.IsZero() {
		s.state.SetSubtickCompletion(float64(now.Sub(s.tickedAt)) / float64(s.state.TickDuration()))
	}
	return s.state.Time()
}

func (s *Session) logStatus() {
	x, y := s.marble.Position()
	st := s.engine.Stats()
	s.log.Infow("client status",
		"status", s.Status().String(),
		"tick", s.state.Tick(),
		"x", x, "y", y,
		"time", s.Interpolate(time.Now()),
		"clock", s.state.Clock(),
		"passes", st.Passes,
		"span", st.LastSpan,
		"malformed", s.malformed)
}

// Close 通知服务端后断开
func (s *Session) Close() error {
	if b, err := transport.Encode(transport.MsgBye, &transport.Bye{Reason: "client closed"}); err == nil {
		_ = s.conn.Send(b)
	}
	return s.conn.Close()
}

func (s *Session) applyInput() {
	if d := s.opts.driver; d != nil {
		dir, jump := d.Input(s.state.Tick() + 1)
		s.marble.SetInput(dir, jump)
		return
	}
	s.mu.Lock()
	dir, jump, dirty := s.dir, s.jump, s.dirty
	s.dirty = false
	s.mu.Unlock()
	if dirty {
		s.marble.SetInput(dir, jump)
	}
}

// drain 非阻塞处理已收到的全部消息；连接关闭时返回 transport.ErrClosed
func (s *Session) drain() error {
	for {
		select {
		case b, ok := <-s.conn.Receive():
			if !ok {
				return transport.ErrClosed
			}
			if err := s.handle(b); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Session) handle(b []byte) error {
	env, err := transport.Decode(b)
	if err != nil {
		s.malformed++
		s.log.Debugw("drop malformed message", "err", err)
		return nil
	}
	switch env.Type {
	case transport.MsgUpdates:
		var bundle transport.UpdateBundle
		if err := env.DecodeBody(&bundle); err != nil {
			s.malformed++
			return nil
		}
		s.enqueue(bundle)
	case transport.MsgLeft:
		var left transport.Left
		if err := env.DecodeBody(&left); err != nil {
			s.malformed++
			return nil
		}
		id := netcode.EntityID(left.Marble)
		if id != s.marble.ID() {
			s.world.RemoveMarble(id)
			s.engine.RemoveEntity(id)
		}
	case transport.MsgBye:
		var bye transport.Bye
		_ = env.DecodeBody(&bye)
		s.log.Infow("server said bye", "reason", bye.Reason)
		_ = s.conn.Close()
		return transport.ErrClosed
	default:
		s.malformed++
	}
	return nil
}

// enqueue 把服务端广播交给引擎；首次出现的弹珠在本地生成
func (s *Session) enqueue(bundle transport.UpdateBundle) {
	if f := netcode.Tick(bundle.Floor); f > s.engine.RewindFloor() {
		s.engine.SetRewindFloor(f)
	}
	for _, wu := range bundle.Updates {
		u, err := wu.EntityUpdate(gameStateID, s.player)
		if err != nil {
			s.malformed++
			continue
		}
		if _, ok := s.engine.Entity(u.EntityID); !ok && u.Payload.Kind == sim.KindMarble && u.Owner == netcode.OwnerRemote {
			m := s.world.SpawnMarble(u.EntityID, netcode.OwnerRemote)
			s.engine.AddEntity(m)
		}
		s.engine.EnqueueUpdate(u)
	}
}

// sendOwnState 发送自己的弹珠自上次发送以来的历史；本地时间线被改写时从改写帧重发
func (s *Session) sendOwnState() error {
	since := s.lastSent
	if t, ok := s.engine.ConsumeRewind(); ok && t-1 < since {
		since = t - 1
	}
	s.lastSent = s.state.Tick()

	var updates []transport.WireUpdate
	for _, h := range s.engine.Store().EntriesSince(gameStateID, since) {
		if h.EntityID == s.marble.ID() {
			updates = append(updates, transport.FromHistory(h, s.player))
		}
	}
	if len(updates) == 0 {
		return nil
	}
	b, err := transport.Encode(transport.MsgUpdates, &transport.UpdateBundle{
		Frame:   int64(s.state.Tick()),
		Floor:   int64(s.engine.RewindFloor()),
		Updates: updates,
	})
	if err != nil {
		return err
	}
	if err := s.conn.Send(b); errors.Is(err, transport.ErrClosed) {
		return err
	}
	return nil
}
