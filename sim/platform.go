package sim

import (
	"math"

	"github.com/solarlune/resolv"

	"marblerace/netcode"
)

// PlatformState 平台的同步状态。位置由关卡时间推导，只有触发改变目的地时才变化。
type PlatformState struct {
	TimeStart  float64 `msgpack:"ts"`
	TimeDest   float64 `msgpack:"td"`
	ChangeTime float64 `msgpack:"ct"`
	Triggered  bool    `msgpack:"tr"`
}

// Platform 沿标记点路径移动的实体平台
type Platform struct {
	id       netcode.EntityID
	owner    netcode.Owner
	spec     PathSpec
	duration float64
	st       PlatformState
	obj      *resolv.Object
	tr       netcode.ChangeTracker
}

func newPlatform(id netcode.EntityID, owner netcode.Owner, spec PathSpec) *Platform {
	first := spec.Markers[0]
	obj := resolv.NewObject(first.X, first.Y, spec.W, spec.H, tagSolid, tagPlatform)
	obj.SetShape(resolv.NewRectangle(0, 0, spec.W, spec.H))
	p := &Platform{id: id, owner: owner, spec: spec, obj: obj}
	// 最后一个节点不计入时长
	for _, m := range spec.Markers[:len(spec.Markers)-1] {
		p.duration += m.MsToNext
	}
	return p
}

func (p *Platform) ID() netcode.EntityID { return p.id }
func (p *Platform) Owner() netcode.Owner { return p.owner }
func (p *Platform) State() PlatformState { return p.st }
func (p *Platform) BeforeReconciliation() {}
func (p *Platform) AfterReconciliation()  {}

func (p *Platform) Position() (float64, float64) {
	return p.obj.X, p.obj.Y
}

func (p *Platform) StateChanged() bool {
	return p.tr.Changed(mustEncode(KindPlatform, &p.st))
}

func (p *Platform) CurrentState() netcode.State {
	s := mustEncode(KindPlatform, &p.st)
	p.tr.MarkSaved(s)
	return s
}

func (p *Platform) ApplyState(s netcode.State) bool {
	var ns PlatformState
	if err := netcode.DecodeInto(s, KindPlatform, &ns); err != nil {
		return false
	}
	if ns == p.st {
		return false
	}
	p.st = ns
	return true
}

// SetDestination 从当前位置开始移动到路径时间 dest（ms）
func (p *Platform) SetDestination(nowMs, dest float64) {
	p.st.TimeStart = p.internalTime(nowMs)
	p.st.TimeDest = dest
	p.st.ChangeTime = nowMs
	p.st.Triggered = true
}

func (p *Platform) internalTime(externalMs float64) float64 {
	if p.duration <= 0 {
		return 0
	}
	if !p.st.Triggered {
		return math.Mod(externalMs+p.spec.InitialOffset, p.duration)
	}
	dur := math.Abs(p.st.TimeStart - p.st.TimeDest)
	completion := 1.0
	if dur > 0 {
		completion = clamp((externalMs-p.st.ChangeTime)/dur, 0, 1)
	}
	t := p.st.TimeStart + (p.st.TimeDest-p.st.TimeStart)*completion
	// 终点恰好等于时长时停在最后一个节点
	if t >= p.duration {
		return p.duration
	}
	return t
}

// positionAt 路径时间对应的位置
func (p *Platform) positionAt(t float64) (float64, float64) {
	ms := p.spec.Markers
	if len(ms) == 1 {
		return ms[0].X, ms[0].Y
	}
	i := 0
	end := ms[0].MsToNext
	for end < t && i+2 < len(ms) {
		i++
		end += ms[i].MsToNext
	}
	m1, m2 := ms[i], ms[i+1]
	start := end - m1.MsToNext

	completion := 1.0
	if m1.MsToNext > 0 {
		completion = clamp((t-start)/m1.MsToNext, 0, 1)
	}
	if m1.Smoothing == "Accelerate" {
		completion = math.Sin(completion*math.Pi-math.Pi/2)*0.5 + 0.5
	}
	return m1.X + (m2.X-m1.X)*completion, m1.Y + (m2.Y-m1.Y)*completion
}

// reset 回到未触发的循环运动
func (p *Platform) reset(nowMs float64) {
	p.st = PlatformState{}
	p.step(nowMs)
}

// step 按关卡时间摆放平台
func (p *Platform) step(nowMs float64) {
	x, y := p.positionAt(p.internalTime(nowMs))
	p.obj.X, p.obj.Y = x, y
	p.obj.Update()
}
