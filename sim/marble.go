package sim

import (
	"github.com/solarlune/resolv"

	"marblerace/netcode"
)

// 物理常量（以 Tick 为单位）
const (
	marbleSize      = 12.0
	gravity         = 0.5
	rollAccel       = 0.4
	rollFriction    = 0.15
	maxRollSpeed    = 7.0
	jumpImpulse     = 9.0
	maxFallSpeed    = 14.0
	restitution     = 0.5
	bounceThreshold = 3.0
	smoothingDecay  = 0.8

	superRestitution = 0.9
)

// MarbleState 弹珠的同步状态；输入也在其中，远端弹珠按最后已知输入外推
type MarbleState struct {
	X        float64 `msgpack:"x"`
	Y        float64 `msgpack:"y"`
	VX       float64 `msgpack:"vx"`
	VY       float64 `msgpack:"vy"`
	Dir      int8    `msgpack:"dir"`
	Jump     bool    `msgpack:"jump"`
	OnGround bool    `msgpack:"g"`
	Finished bool    `msgpack:"fin"`

	FinishedAt int64 `msgpack:"fa,omitempty"` // 到达终点的帧号

	// 道具效果剩余帧数
	Bounce   int32 `msgpack:"sb,omitempty"`
	AntiGrav int32 `msgpack:"ag,omitempty"`
}

// Marble 玩家控制的弹珠
type Marble struct {
	id    netcode.EntityID
	owner netcode.Owner
	st    MarbleState
	obj   *resolv.Object
	tr    netcode.ChangeTracker

	// 对账前后的位置差，用于平滑显示
	preX, preY       float64
	offsetX, offsetY float64
}

func newMarble(id netcode.EntityID, owner netcode.Owner, x, y float64) *Marble {
	obj := resolv.NewObject(x, y, marbleSize, marbleSize, tagMarble)
	obj.SetShape(resolv.NewRectangle(0, 0, marbleSize, marbleSize))
	m := &Marble{id: id, owner: owner, obj: obj}
	m.st.X, m.st.Y = x, y
	return m
}

func (m *Marble) ID() netcode.EntityID         { return m.id }
func (m *Marble) Owner() netcode.Owner         { return m.owner }
func (m *Marble) State() MarbleState           { return m.st }
func (m *Marble) Position() (float64, float64) { return m.st.X, m.st.Y }

func (m *Marble) bounds() Rect {
	return Rect{X: m.st.X, Y: m.st.Y, W: marbleSize, H: marbleSize}
}

// SetInput 设置本地输入，下一次 Tick 生效
func (m *Marble) SetInput(dir int8, jump bool) {
	if dir > 1 {
		dir = 1
	} else if dir < -1 {
		dir = -1
	}
	m.st.Dir = dir
	m.st.Jump = jump
}

// RenderPosition 显示位置 = 模拟位置 + 逐帧衰减的对账偏移
func (m *Marble) RenderPosition() (float64, float64) {
	return m.st.X + m.offsetX, m.st.Y + m.offsetY
}

func (m *Marble) StateChanged() bool {
	return m.tr.Changed(mustEncode(KindMarble, &m.st))
}

func (m *Marble) CurrentState() netcode.State {
	s := mustEncode(KindMarble, &m.st)
	m.tr.MarkSaved(s)
	return s
}

func (m *Marble) ApplyState(s netcode.State) bool {
	var ns MarbleState
	if err := netcode.DecodeInto(s, KindMarble, &ns); err != nil {
		return false
	}
	if ns == m.st {
		return false
	}
	m.st = ns
	m.obj.X, m.obj.Y = ns.X, ns.Y
	return true
}

func (m *Marble) BeforeReconciliation() {
	m.preX, m.preY = m.RenderPosition()
}

func (m *Marble) AfterReconciliation() {
	m.offsetX = m.preX - m.st.X
	m.offsetY = m.preY - m.st.Y
}

// smooth 衰减显示偏移（每个真实帧调用一次，重放时不调用）
func (m *Marble) smooth() {
	m.offsetX *= smoothingDecay
	m.offsetY *= smoothingDecay
	if m.offsetX*m.offsetX+m.offsetY*m.offsetY < 0.01 {
		m.offsetX, m.offsetY = 0, 0
	}
}

// step 单帧物理：输入 → 摩擦 → 重力 → 分轴碰撞
func (m *Marble) step() {
	s := &m.st
	if s.Finished {
		s.VX, s.VY = 0, 0
		return
	}

	if s.Dir != 0 {
		s.VX += float64(s.Dir) * rollAccel
	} else if s.OnGround {
		switch {
		case s.VX > rollFriction:
			s.VX -= rollFriction
		case s.VX < -rollFriction:
			s.VX += rollFriction
		default:
			s.VX = 0
		}
	}
	s.VX = clamp(s.VX, -maxRollSpeed, maxRollSpeed)

	g, rest := gravity, restitution
	if s.AntiGrav > 0 {
		g = -gravity
		s.AntiGrav--
	}
	if s.Bounce > 0 {
		rest = superRestitution
		s.Bounce--
	}

	if s.Jump && s.OnGround {
		s.VY = -jumpImpulse * sign(g)
		s.OnGround = false
	}
	s.VY = clamp(s.VY+g, -maxFallSpeed, maxFallSpeed)

	if s.VX != 0 {
		dx, hit := sweepX(m.obj, s.VX)
		m.obj.X += dx
		if hit {
			s.VX = -s.VX * rest
		}
	}

	dy, hit := sweepY(m.obj, s.VY)
	m.obj.Y += dy
	switch {
	case hit && s.VY*g > 0:
		// 落向重力方向的表面
		if s.VY*sign(g) > bounceThreshold {
			s.VY = -s.VY * rest
			s.OnGround = false
		} else {
			s.VY = 0
			s.OnGround = true
		}
	case hit:
		s.VY = 0
	default:
		s.OnGround = false
	}

	m.obj.Update()
	s.X, s.Y = m.obj.X, m.obj.Y
}

// respawn 回到出生点，保留输入，清除道具效果
func (m *Marble) respawn(spawn Rect) {
	m.st = MarbleState{X: spawn.X, Y: spawn.Y, Dir: m.st.Dir}
	m.obj.X, m.obj.Y = spawn.X, spawn.Y
	m.obj.Update()
}

// sweepX 沿 X 轴移动 dx，返回可移动距离与是否被阻挡。
// resolv 负责宽相位查询，精确间距在此计算。
func sweepX(obj *resolv.Object, dx float64) (float64, bool) {
	c := obj.Check(dx, 0, tagSolid)
	if c == nil {
		return dx, false
	}
	moved, hit := dx, false
	for _, o := range c.ObjectsByTags(tagSolid) {
		if !spanOverlap(obj.Y, obj.H, o.Y, o.H) {
			continue
		}
		if dx > 0 {
			if gap := o.X - (obj.X + obj.W); gap >= 0 && gap < moved {
				moved, hit = gap, true
			}
		} else {
			if gap := (o.X + o.W) - obj.X; gap <= 0 && gap > moved {
				moved, hit = gap, true
			}
		}
	}
	return moved, hit
}

// sweepY 沿 Y 轴移动 dy
func sweepY(obj *resolv.Object, dy float64) (float64, bool) {
	c := obj.Check(0, dy, tagSolid)
	if c == nil {
		return dy, false
	}
	moved, hit := dy, false
	for _, o := range c.ObjectsByTags(tagSolid) {
		if !spanOverlap(obj.X, obj.W, o.X, o.W) {
			continue
		}
		if dy > 0 {
			if gap := o.Y - (obj.Y + obj.H); gap >= 0 && gap < moved {
				moved, hit = gap, true
			}
		} else {
			if gap := (o.Y + o.H) - obj.Y; gap <= 0 && gap > moved {
				moved, hit = gap, true
			}
		}
	}
	return moved, hit
}

func spanOverlap(a, aw, b, bw float64) bool {
	return a < b+bw && b < a+aw
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
