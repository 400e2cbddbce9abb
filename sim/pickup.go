package sim

import "marblerace/netcode"

const (
	timeTravelSeconds  = 2.5
	pickupCooldownSecs = 10

	superBounceSecs = 5
	antiGravitySecs = 7
)

// Effect 道具效果
type Effect uint8

const (
	EffectTimeTravel  Effect = iota // 为本地计时增加时间奖励
	EffectSuperBounce               // 临时提高弹性
	EffectAntiGravity               // 临时反转重力
)

func (e Effect) kind() netcode.StateKind {
	switch e {
	case EffectSuperBounce:
		return KindSuperBounce
	case EffectAntiGravity:
		return KindAntiGravity
	}
	return KindPickup
}

// PickupState 道具的同步状态
type PickupState struct {
	Taken       bool  `msgpack:"t"`
	RespawnTick int64 `msgpack:"r"`
}

// Pickup 被弹珠拾取后生效，冷却后重新出现
type Pickup struct {
	id     netcode.EntityID
	owner  netcode.Owner
	effect Effect
	rect   Rect
	st     PickupState
	tr     netcode.ChangeTracker
}

func newPickup(id netcode.EntityID, owner netcode.Owner, effect Effect, rect Rect) *Pickup {
	return &Pickup{id: id, owner: owner, effect: effect, rect: rect}
}

func (p *Pickup) ID() netcode.EntityID { return p.id }
func (p *Pickup) Owner() netcode.Owner { return p.owner }
func (p *Pickup) Effect() Effect       { return p.effect }
func (p *Pickup) State() PickupState   { return p.st }
func (p *Pickup) Active() bool         { return !p.st.Taken }
func (p *Pickup) BeforeReconciliation() {}
func (p *Pickup) AfterReconciliation()  {}

func (p *Pickup) StateChanged() bool {
	return p.tr.Changed(mustEncode(p.effect.kind(), &p.st))
}

func (p *Pickup) CurrentState() netcode.State {
	s := mustEncode(p.effect.kind(), &p.st)
	p.tr.MarkSaved(s)
	return s
}

func (p *Pickup) ApplyState(s netcode.State) bool {
	var ns PickupState
	if err := netcode.DecodeInto(s, p.effect.kind(), &ns); err != nil {
		return false
	}
	if ns == p.st {
		return false
	}
	p.st = ns
	return true
}

// step 冷却结束后恢复
func (p *Pickup) step(tick netcode.Tick) {
	if p.st.Taken && int64(tick) >= p.st.RespawnTick {
		p.st = PickupState{}
	}
}

// take 被弹珠拾取
func (p *Pickup) take(tick netcode.Tick, rate int) {
	p.st.Taken = true
	p.st.RespawnTick = int64(tick) + int64(pickupCooldownSecs*rate)
}

// apply 对拾取者生效
func (p *Pickup) apply(m *Marble, state *netcode.GameState) {
	rate := int32(state.UpdateRate())
	switch p.effect {
	case EffectTimeTravel:
		state.AddTimeTravelBonus(timeTravelSeconds)
	case EffectSuperBounce:
		m.st.Bounce = superBounceSecs * rate
	case EffectAntiGravity:
		m.st.AntiGrav = antiGravitySecs * rate
	}
}
