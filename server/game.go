package server

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"marblerace/netcode"
	"marblerace/sim"
	"marblerace/transport"
)

var errGameClosed = errors.New("game closed")

// Game 一局比赛：权威时间线维护在内存，单线程 Tick 推进。
// 网络协程只向通道投递，状态只在 Tick 协程中改变。
type Game struct {
	ID string

	state   *netcode.GameState
	world   *sim.World
	engine  *netcode.Engine
	cfg     configBox
	metrics *GameMetrics
	log     *zap.SugaredLogger

	// 以下仅由 Tick 协程访问
	sessions     map[SessionID]*Session
	owners       map[netcode.EntityID]SessionID
	delayed      []inbound
	rng          *rand.Rand
	lastSent     netcode.Tick
	lastFullSync netcode.Tick
	leftDropped  uint64 // 已离开会话的连接丢弃数

	joinChan    chan *Session
	leaveChan   chan SessionID
	inboundChan chan inbound

	nextSession atomic.Uint32
	tick        atomic.Int64 // 供 HTTP 协程读取

	tickerStarted bool
	stop          chan struct{}
	done          chan struct{}
	stopOnce      sync.Once
}

// NewGame 创建对局：关卡物体归服务端所有，弹珠归各自客户端所有
func NewGame(id string, gameStateID int, s Settings, log *zap.SugaredLogger) *Game {
	if log == nil {
		log = Log
	}
	log = log.With("game", id)

	cfg := netcode.DefaultConfig()
	if s.UpdateRate > 0 {
		cfg.UpdateRate = s.UpdateRate
	}
	state := netcode.NewGameState(gameStateID, cfg)
	world := sim.NewWorld(state, s.Level, netcode.OwnerLocal)
	engine := netcode.NewEngine(state, world, netcode.WithLogger(log))
	for _, ent := range world.Entities() {
		engine.AddEntity(ent)
	}
	engine.Start()

	g := &Game{
		ID:          id,
		state:       state,
		world:       world,
		engine:      engine,
		metrics:     &GameMetrics{},
		log:         log,
		sessions:    make(map[SessionID]*Session),
		owners:      make(map[netcode.EntityID]SessionID),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		lastSent:    state.Tick(),
		joinChan:    make(chan *Session, 64),
		leaveChan:   make(chan SessionID, 64),
		inboundChan: make(chan inbound, 256), // 足够缓冲，避免网络读阻塞影响 Tick
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	g.cfg.cfg = s.Config
	g.tick.Store(int64(state.Tick()))
	return g
}

func (g *Game) Config() GameConfig    { return g.cfg.get() }
func (g *Game) Metrics() *GameMetrics { return g.metrics }
func (g *Game) Tick() netcode.Tick    { return netcode.Tick(g.tick.Load()) }

// UpdateConfig 热更新配置，下一个 Tick 生效
func (g *Game) UpdateConfig(p configPatch) (GameConfig, error) {
	return g.cfg.update(p)
}

// Join 为已握手的连接分配会话，实际加入在下一个 Tick 中完成
func (g *Game) Join(conn transport.Conn, name string) (*Session, error) {
	select {
	case <-g.stop:
		return nil, errGameClosed
	default:
	}
	id := SessionID(g.nextSession.Add(1))
	s := newSession(id, name, conn, g.Config().MaxUpdatesPerSec)
	select {
	case g.joinChan <- s:
	case <-g.stop:
		return nil, errGameClosed
	}
	// 入队与 Stop 并发时，Stop 的清理可能已经结束
	select {
	case <-g.stop:
		s.close()
		return nil, errGameClosed
	default:
	}
	return s, nil
}

// RequestLeave 请求在 Tick 线程中移除会话，避免并发改动对局状态
func (g *Game) RequestLeave(id SessionID) {
	// 为保证移除一定生效，这里采用阻塞式写入；对局已停止时放弃
	select {
	case g.leaveChan <- id:
	case <-g.stop:
	}
}

// OnMessage 入站消息（不立即处理），等下一次 Tick 处理
func (g *Game) OnMessage(id SessionID, b []byte) {
	select {
	case g.inboundChan <- inbound{session: id, payload: b, due: time.Now()}:
	default:
		// 丢弃：为了实时性，避免背压影响世界推进
		g.metrics.IncChanFullDiscarded()
	}
}

// ProcessInbound 处理本帧前到达的全部加入、离开与消息（非阻塞 drain）
func (g *Game) ProcessInbound(cfg GameConfig) {
	for {
		select {
		case s := <-g.joinChan:
			g.addSession(s)
		case id := <-g.leaveChan:
			g.removeSession(id)
		case in := <-g.inboundChan:
			if cfg.SimulateDropProb > 0 && g.rng.Float64() < cfg.SimulateDropProb {
				g.metrics.IncDropsSimulated()
				continue
			}
			if cfg.SimulateDelayMaxMs > 0 {
				ms := cfg.SimulateDelayMinMs + g.rng.Intn(cfg.SimulateDelayMaxMs-cfg.SimulateDelayMinMs+1)
				in.due = in.due.Add(time.Duration(ms) * time.Millisecond)
			}
			g.delayed = append(g.delayed, in)
		default:
			g.releaseDelayed(time.Now())
			return
		}
	}
}

// releaseDelayed 按到达顺序处理已到期的消息
func (g *Game) releaseDelayed(now time.Time) {
	kept := g.delayed[:0]
	for _, in := range g.delayed {
		if in.due.After(now) {
			kept = append(kept, in)
			continue
		}
		g.handleMessage(in)
	}
	g.delayed = kept
}

func (g *Game) addSession(s *Session) {
	g.sessions[s.ID] = s
	m := g.world.SpawnMarble(s.Marble, netcode.OwnerRemote)
	g.engine.AddEntity(m)
	g.owners[s.Marble] = s.ID
	g.metrics.SetSessions(len(g.sessions))

	welcome, err := transport.Encode(transport.MsgWelcome, &transport.Welcome{
		Player: uint32(s.ID),
		Marble: int32(s.Marble),
		Tick:   int64(g.state.Tick()),
		Rate:   g.state.UpdateRate(),
		Floor:  int64(g.engine.RewindFloor()),
	})
	if err != nil {
		g.log.Errorw("encode welcome failed", "err", err)
		return
	}
	s.send(welcome)
	if b, err := g.encodeBundle(g.snapshot(g.state.Tick())); err == nil {
		s.send(b)
	}
	g.log.Infow("session joined", "session", s.ID, "name", s.Name, "marble", s.Marble, "tick", g.state.Tick())
}

func (g *Game) removeSession(id SessionID) {
	s, ok := g.sessions[id]
	if !ok {
		return
	}
	delete(g.sessions, id)
	delete(g.owners, s.Marble)
	g.world.RemoveMarble(s.Marble)
	g.engine.RemoveEntity(s.Marble)
	g.leftDropped += s.dropped()
	s.close()
	g.metrics.SetSessions(len(g.sessions))

	if b, err := transport.Encode(transport.MsgLeft, &transport.Left{Marble: int32(s.Marble)}); err == nil {
		g.broadcast(b)
	}
	g.log.Infow("session left", "session", id, "name", s.Name)
}

// runTick 核心循环：处理入站 → 对账推进 → 广播结果 → 裁剪历史
func (g *Game) runTick() {
	cfg := g.cfg.get()
	for _, s := range g.sessions {
		s.setRate(cfg.MaxUpdatesPerSec)
	}
	g.ProcessInbound(cfg)

	floor := g.state.Tick() + 1 - netcode.Tick(cfg.RewindWindow)
	if floor < 0 {
		floor = 0
	}
	g.engine.SetRewindFloor(floor)
	g.engine.Step()
	g.tick.Store(int64(g.state.Tick()))

	g.BroadcastDelta(cfg)

	g.engine.PruneHistory(netcode.Tick(cfg.RewindWindow))
	g.metrics.SetHistoryLen(g.engine.Store().Len(g.state.ID()))

	dropped := g.leftDropped
	for _, s := range g.sessions {
		dropped += s.dropped()
	}
	g.metrics.SetConnDropped(dropped)
}

// Stop 停止 Tick 循环后再关闭连接、释放历史
func (g *Game) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
		if g.tickerStarted {
			<-g.done
		}
		for id, s := range g.sessions {
			s.close()
			delete(g.sessions, id)
		}
		// 已入队但尚未被 Tick 处理的加入请求
		for drained := false; !drained; {
			select {
			case s := <-g.joinChan:
				s.close()
			default:
				drained = true
			}
		}
		g.engine.Store().Drop(g.state.ID())
		g.log.Infow("game stopped", "tick", g.state.Tick())
	})
}

// Snapshot 返回对局状态摘要，便于 HTTP 输出
func (g *Game) Snapshot() map[string]any {
	return map[string]any{
		"game":           g.ID,
		"tick":           g.Tick(),
		"metrics":        g.metrics.Snapshot(),
		"reconciliation": g.engine.Stats(),
	}
}

// EntityState 某实体最近一次记录的可读状态
type EntityState struct {
	ID    netcode.EntityID `json:"id"`
	Kind  string           `json:"kind"`
	Tick  netcode.Tick     `json:"tick"`
	State any              `json:"state"`
}

// EntityStates 各实体最近一次记录的状态（含已离开玩家的最后状态），可在任意协程调用
func (g *Game) EntityStates() []EntityState {
	latest := g.engine.Store().Latest(g.state.ID())
	out := make([]EntityState, 0, len(latest))
	for _, h := range latest {
		v, err := netcode.DecodeState(h.State)
		if err != nil {
			g.log.Debugw("decode state failed", "entity", h.EntityID, "err", err)
			continue
		}
		out = append(out, EntityState{ID: h.EntityID, Kind: netcode.KindName(h.State.Kind), Tick: h.Tick, State: v})
	}
	return out
}
