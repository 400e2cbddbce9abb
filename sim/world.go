// Package sim 弹珠竞速的模拟世界：resolv 碰撞空间、弹珠、移动平台与时间道具。
// World 实现 netcode.Simulator，世界中的对象实现 netcode.Entity。
package sim

import (
	"sort"

	"github.com/solarlune/resolv"

	"marblerace/netcode"
)

const (
	tagSolid    = "solid"
	tagPlatform = "platform"
	tagMarble   = "marble"
)

// World 单局游戏的模拟世界
type World struct {
	state *netcode.GameState
	level Level
	space *resolv.Space

	marbles   []*Marble
	platforms []*Platform
	pickups   []*Pickup
}

// finishHoldSecs 本地弹珠到达终点后停留多久自动重新开始
const finishHoldSecs = 3

// NewWorld 按关卡构建世界；levelOwner 为关卡物体（平台、道具）的归属：
// 服务端为 OwnerLocal，客户端为 OwnerRemote
func NewWorld(state *netcode.GameState, level Level, levelOwner netcode.Owner) *World {
	cell := level.CellSize
	if cell <= 0 {
		cell = 16
	}
	w := &World{
		state: state,
		level: level,
		space: resolv.NewSpace(level.Width, level.Height, cell, cell),
	}
	for _, r := range level.Solids {
		obj := resolv.NewObject(r.X, r.Y, r.W, r.H, tagSolid)
		obj.SetShape(resolv.NewRectangle(0, 0, r.W, r.H))
		w.space.Add(obj)
	}
	for i, spec := range level.Platforms {
		if len(spec.Markers) == 0 {
			continue
		}
		p := newPlatform(PlatformIDBase+netcode.EntityID(i), levelOwner, spec)
		w.space.Add(p.obj)
		p.step(w.levelMs())
		w.platforms = append(w.platforms, p)
	}
	for _, r := range level.Pickups {
		w.addPickup(levelOwner, EffectTimeTravel, r)
	}
	for _, pu := range level.PowerUps {
		w.addPickup(levelOwner, pu.Effect, pu.Rect)
	}
	return w
}

func (w *World) Level() Level                  { return w.level }
func (w *World) Platforms() []*Platform        { return w.platforms }
func (w *World) Pickups() []*Pickup            { return w.pickups }
func (w *World) Marbles() []*Marble            { return w.marbles }
func (w *World) GameState() *netcode.GameState { return w.state }

// Entities 所有同步实体：平台、道具、弹珠
func (w *World) Entities() []netcode.Entity {
	out := make([]netcode.Entity, 0, len(w.platforms)+len(w.pickups)+len(w.marbles))
	for _, p := range w.platforms {
		out = append(out, p)
	}
	for _, p := range w.pickups {
		out = append(out, p)
	}
	for _, m := range w.marbles {
		out = append(out, m)
	}
	return out
}

func (w *World) addPickup(owner netcode.Owner, effect Effect, r Rect) {
	id := PickupIDBase + netcode.EntityID(len(w.pickups))
	w.pickups = append(w.pickups, newPickup(id, owner, effect, r))
}

// SpawnMarble 在出生点放置弹珠；ID 已存在时返回原弹珠
func (w *World) SpawnMarble(id netcode.EntityID, owner netcode.Owner) *Marble {
	if m, ok := w.Marble(id); ok {
		return m
	}
	m := newMarble(id, owner, w.level.Spawn.X, w.level.Spawn.Y)
	w.space.Add(m.obj)
	w.marbles = append(w.marbles, m)
	sort.Slice(w.marbles, func(i, j int) bool { return w.marbles[i].id < w.marbles[j].id })
	return m
}

// RemoveMarble 移除弹珠
func (w *World) RemoveMarble(id netcode.EntityID) {
	for i, m := range w.marbles {
		if m.id == id {
			w.space.Remove(m.obj)
			w.marbles = append(w.marbles[:i], w.marbles[i+1:]...)
			return
		}
	}
}

func (w *World) Marble(id netcode.EntityID) (*Marble, bool) {
	for _, m := range w.marbles {
		if m.id == id {
			return m, true
		}
	}
	return nil, false
}

// levelMs 关卡时间（毫秒），按帧号计算，不含子帧进度。
// 平台运动以此为准，本地重新开始不会让平台与服务端错位。
func (w *World) levelMs() float64 {
	return float64(w.state.Tick()) * 1000 / float64(w.state.UpdateRate())
}

// AdvanceOneTick 推进一帧：平台 → 弹珠 → 触发区 → 道具
func (w *World) AdvanceOneTick() {
	now := w.levelMs()
	tick := w.state.Tick()
	hold := int64(finishHoldSecs * w.state.UpdateRate())

	for _, p := range w.platforms {
		p.step(now)
	}
	restart := false
	for _, m := range w.marbles {
		m.step()
		if m.st.Y > float64(w.level.Height) || m.st.Y+marbleSize < 0 {
			// 本地弹珠掉出关卡即重新开始本次尝试
			if m.owner == netcode.OwnerLocal {
				restart = true
			} else {
				m.respawn(w.level.Spawn)
			}
		}
		if !m.st.Finished && m.bounds().overlaps(w.level.Finish) {
			m.st.Finished = true
			m.st.FinishedAt = int64(tick)
		}
		if m.st.Finished && m.owner == netcode.OwnerLocal && int64(tick)-m.st.FinishedAt >= hold {
			restart = true
		}
	}
	if restart {
		w.Restart()
	}
	for _, p := range w.platforms {
		w.checkTrigger(p, now)
	}
	for _, p := range w.pickups {
		p.step(tick)
		if p.st.Taken {
			continue
		}
		for _, m := range w.marbles {
			// 道具由其拥有者判定，本地弹珠可预测拾取
			if p.owner != netcode.OwnerLocal && m.owner != netcode.OwnerLocal {
				continue
			}
			if m.bounds().overlaps(p.rect) {
				p.take(tick, w.state.UpdateRate())
				if m.owner == netcode.OwnerLocal {
					p.apply(m, w.state)
				}
				break
			}
		}
	}
}

// Restart 重新开始本次尝试：本地弹珠回到出生点，本地拥有的关卡物体复位，
// 尝试计时清零。帧号不变。
func (w *World) Restart() {
	for _, m := range w.marbles {
		if m.owner == netcode.OwnerLocal {
			m.respawn(w.level.Spawn)
		}
	}
	for _, p := range w.platforms {
		if p.owner == netcode.OwnerLocal {
			p.reset(w.levelMs())
		}
	}
	for _, p := range w.pickups {
		if p.owner == netcode.OwnerLocal {
			p.st = PickupState{}
		}
	}
	w.state.Restart()
}

func (w *World) checkTrigger(p *Platform, now float64) {
	trig := p.spec.Trigger
	if trig == nil || (p.st.Triggered && p.st.TimeDest == p.spec.TriggerDest) {
		return
	}
	for _, m := range w.marbles {
		if p.owner != netcode.OwnerLocal && m.owner != netcode.OwnerLocal {
			continue
		}
		if m.bounds().overlaps(*trig) {
			p.SetDestination(now, p.spec.TriggerDest)
			return
		}
	}
}

// RecomputeCollisions 状态被外部改写后刷新空间索引。接地标记属于同步状态，不在此重算。
func (w *World) RecomputeCollisions() {
	now := w.levelMs()
	for _, p := range w.platforms {
		p.step(now)
	}
	for _, m := range w.marbles {
		m.obj.X, m.obj.Y = m.st.X, m.st.Y
		m.obj.Update()
	}
}

// Smooth 每个真实帧衰减一次对账偏移
func (w *World) Smooth() {
	for _, m := range w.marbles {
		m.smooth()
	}
}
