package netcode

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Stats 对账引擎的累计指标
type Stats struct {
	Passes          uint64 `json:"passes"`
	TicksReplayed   uint64 `json:"ticks_replayed"`
	UpdatesApplied  uint64 `json:"updates_applied"`
	UpdatesOwned    uint64 `json:"updates_owned"`    // 因本端拥有而拒绝
	UpdatesOrphaned uint64 `json:"updates_orphaned"` // 实体不存在
	UpdatesDeferred uint64 `json:"updates_deferred"` // 帧号超前，留待后续
	LastSpan        int64  `json:"last_span"`
}

// Option 引擎可选参数
type Option func(*Engine)

// WithLogger 指定日志
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithStore 与其他对局共用同一个历史存储
func WithStore(s *Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithRewindFloor 初始回滚下限
func WithRewindFloor(t Tick) Option {
	return func(e *Engine) { e.floor = t }
}

// Engine 回滚/重放对账引擎。
//
// 每次 Step 先乐观地推进一帧；若有待处理的权威更新，则回滚到最早需要修正的帧，
// 补齐权威状态，再逐帧重放回到当前帧。Step 只能由 Tick 线程调用；
// EnqueueUpdate 可由网络协程并发调用。
type Engine struct {
	state   *GameState
	sim     Simulator
	store   *Store
	updates *UpdateChannel
	log     *zap.SugaredLogger

	entities []Entity
	byID     map[EntityID]Entity

	floor      Tick
	rewound    Tick
	hasRewound bool

	lastSpan atomic.Int64
	passes   atomic.Uint64
	replayed atomic.Uint64
	applied  atomic.Uint64
	owned    atomic.Uint64
	orphaned atomic.Uint64
	deferred atomic.Uint64
}

// NewEngine 创建引擎；sim 为模拟世界，state 为本局帧时钟
func NewEngine(state *GameState, sim Simulator, opts ...Option) *Engine {
	e := &Engine{
		state:   state,
		sim:     sim,
		updates: NewUpdateChannel(),
		byID:    make(map[EntityID]Entity),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = NewStore()
	}
	if e.log == nil {
		e.log = zap.NewNop().Sugar()
	}
	return e
}

func (e *Engine) State() *GameState { return e.state }
func (e *Engine) Store() *Store     { return e.store }

// AddEntity 加入同步实体，并立即记录其当前状态
func (e *Engine) AddEntity(ent Entity) {
	if _, ok := e.byID[ent.ID()]; ok {
		e.RemoveEntity(ent.ID())
	}
	e.entities = append(e.entities, ent)
	e.byID[ent.ID()] = ent
	if ent.StateChanged() {
		e.store.Record(e.state.ID(), ent.ID(), e.state.Tick(), ent.CurrentState())
	}
}

// RemoveEntity 移除实体；其历史保留到对局结束
func (e *Engine) RemoveEntity(id EntityID) {
	if _, ok := e.byID[id]; !ok {
		return
	}
	delete(e.byID, id)
	for i, ent := range e.entities {
		if ent.ID() == id {
			e.entities = append(e.entities[:i], e.entities[i+1:]...)
			break
		}
	}
}

func (e *Engine) Entity(id EntityID) (Entity, bool) {
	ent, ok := e.byID[id]
	return ent, ok
}

// Entities 按加入顺序返回实体副本
func (e *Engine) Entities() []Entity {
	return append([]Entity(nil), e.entities...)
}

// Start 保存初始状态
func (e *Engine) Start() {
	e.store.Save(e.state.ID(), e.state.Tick(), e.entities)
}

// EnqueueUpdate 入站权威更新（网络侧唯一入口，只入队不改状态）
func (e *Engine) EnqueueUpdate(u EntityUpdate) {
	if u.GameStateID == 0 {
		u.GameStateID = e.state.ID()
	}
	e.updates.Enqueue(u)
}

// PendingUpdates 待处理更新数
func (e *Engine) PendingUpdates() int { return e.updates.Len() }

// SetRewindFloor 设置回滚下限，对账永远不会回滚到该帧之前
func (e *Engine) SetRewindFloor(t Tick) { e.floor = t }

func (e *Engine) RewindFloor() Tick { return e.floor }

// LastReconciliationSpan 上一次对账重放的帧数
func (e *Engine) LastReconciliationSpan() Tick {
	return Tick(e.lastSpan.Load())
}

func (e *Engine) Stats() Stats {
	return Stats{
		Passes:          e.passes.Load(),
		TicksReplayed:   e.replayed.Load(),
		UpdatesApplied:  e.applied.Load(),
		UpdatesOwned:    e.owned.Load(),
		UpdatesOrphaned: e.orphaned.Load(),
		UpdatesDeferred: e.deferred.Load(),
		LastSpan:        e.lastSpan.Load(),
	}
}

// ConsumeRewind 返回自上次调用以来最早的回滚帧，并清除记录。
// 服务端据此重新广播被改写的历史。
func (e *Engine) ConsumeRewind() (Tick, bool) {
	t, ok := e.rewound, e.hasRewound
	e.hasRewound = false
	return t, ok
}

// PruneHistory 裁剪 min(回滚下限, 当前帧-retain) 之前的历史
func (e *Engine) PruneHistory(retain Tick) int {
	before := e.state.Tick() - retain
	if e.floor < before {
		before = e.floor
	}
	if before <= 0 {
		return 0
	}
	e.state.prune(before)
	return e.store.Prune(e.state.ID(), before)
}

// Step 推进一帧；有待处理更新时执行回滚、补齐与重放
func (e *Engine) Step() {
	e.advance()

	gid := e.state.ID()
	drained := e.updates.DrainMatching(func(u EntityUpdate) bool { return u.GameStateID == gid })
	if len(drained) == 0 {
		return // 单机模式
	}

	endFrame := e.state.Tick()
	batch, future := newUpdateBatch(drained).split(endFrame)
	if len(future) > 0 {
		e.updates.Requeue(future)
		e.deferred.Add(uint64(len(future)))
	}
	startFrame, ok := batch.minFrame()
	if !ok {
		return
	}

	for _, ent := range e.entities {
		ent.BeforeReconciliation()
	}

	if startFrame < e.floor {
		startFrame = e.floor
	}
	if startFrame > endFrame {
		startFrame = endFrame
	}

	e.rollBackTo(startFrame)
	e.applyUpdates(batch.older(startFrame))

	for e.state.Tick() < endFrame {
		e.replayOne()
		e.applyUpdates(batch.current(e.state.Tick()))
	}

	span := endFrame - startFrame
	e.lastSpan.Store(int64(span))
	e.passes.Add(1)
	e.replayed.Add(uint64(span))
	if !e.hasRewound || startFrame < e.rewound {
		e.rewound = startFrame
		e.hasRewound = true
	}

	for _, ent := range e.entities {
		ent.AfterReconciliation()
	}
	e.log.Debugw("reconciled", "game", gid, "from", startFrame, "to", endFrame, "updates", len(batch))
}

// advance 基础单帧推进：时钟、模拟、保存状态
func (e *Engine) advance() {
	e.state.AdvanceTime()
	e.sim.AdvanceOneTick()
	e.store.Save(e.state.ID(), e.state.Tick(), e.entities)
}

// replayOne 重放一帧。本端拥有的实体沿自己已记录的预测时间线前进，
// 不被重新模拟的结果覆盖（输入也保存在其中）。
func (e *Engine) replayOne() {
	e.state.AdvanceTime()
	e.sim.AdvanceOneTick()
	if e.restoreLocal(e.state.Tick()) {
		e.sim.RecomputeCollisions()
	}
	e.store.Save(e.state.ID(), e.state.Tick(), e.entities)
}

// restoreLocal 把本端拥有的实体恢复为其在 t 帧的记录
func (e *Engine) restoreLocal(t Tick) bool {
	gid := e.state.ID()
	changed := false
	for _, ent := range e.entities {
		if ent.Owner() != OwnerLocal {
			continue
		}
		st, ok := e.store.StateAt(gid, ent.ID(), t)
		if !ok {
			continue
		}
		if ent.ApplyState(st) {
			changed = true
		}
		ent.CurrentState()
	}
	return changed
}

// rollBackTo 回滚时钟与历史指针，并把每个实体恢复到该帧的状态。
// 远端实体在该帧之后的记录属于被放弃的时间线；本端实体的记录保留供重放使用。
func (e *Engine) rollBackTo(t Tick) {
	gid := e.state.ID()
	e.state.rollBackTo(t)
	e.store.RollBackTo(gid, t)
	for _, ent := range e.entities {
		if ent.Owner() != OwnerLocal {
			e.store.DiscardAfter(gid, ent.ID(), t)
		}
		st, ok := e.store.StateAt(gid, ent.ID(), t)
		if !ok {
			// 没有记录：保持最后已知状态
			continue
		}
		ent.ApplyState(st)
		// 以恢复后的状态作为变化比较的基准
		ent.CurrentState()
	}
	e.sim.RecomputeCollisions()
}

// applyUpdates 应用一组权威更新；任何实体状态变化都需重算碰撞并重新保存
func (e *Engine) applyUpdates(us []EntityUpdate) {
	if len(us) == 0 {
		return
	}
	changed := false
	for _, u := range us {
		ent, ok := e.byID[u.EntityID]
		if !ok {
			e.orphaned.Add(1)
			e.log.Debugw("update for unknown entity", "entity", u.EntityID, "frame", u.Frame)
			continue
		}
		if ent.Owner() == OwnerLocal || u.Owner == OwnerLocal {
			e.owned.Add(1)
			continue
		}
		if ent.ApplyState(u.Payload) {
			changed = true
		}
		e.applied.Add(1)
	}
	if changed {
		e.sim.RecomputeCollisions()
		e.store.Save(e.state.ID(), e.state.Tick(), e.entities)
	}
}
