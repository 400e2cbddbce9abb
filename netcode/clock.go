package netcode

import (
	"sort"
	"time"
)

// Config 帧时钟配置
type Config struct {
	UpdateRate  int     // 每秒 Tick 数
	StartOffset float64 // 倒计时秒数，尝试时间未到之前比赛计时不推进
}

// DefaultConfig 30 TPS，无倒计时
func DefaultConfig() Config {
	return Config{UpdateRate: 30}
}

type clockSample struct {
	tick        Tick
	attemptTick Tick
	clock       float64
	bonus       float64
}

// GameState 一局游戏的帧时钟：当前帧、子帧进度、比赛计时与时间奖励
type GameState struct {
	id  int
	cfg Config

	tick        Tick
	attemptTick Tick
	subtick     float64
	clock       float64
	bonus       float64

	// 每帧的计时样本，回滚时与帧号一起恢复
	samples []clockSample
}

// NewGameState 创建时钟，帧号从 -1 开始，首次推进后为 0
func NewGameState(id int, cfg Config) *GameState {
	if cfg.UpdateRate <= 0 {
		cfg.UpdateRate = DefaultConfig().UpdateRate
	}
	g := &GameState{id: id, cfg: cfg, tick: -1, attemptTick: -1}
	g.record()
	return g
}

func (g *GameState) ID() int                    { return g.id }
func (g *GameState) Tick() Tick                 { return g.tick }
func (g *GameState) AttemptTick() Tick          { return g.attemptTick }
func (g *GameState) Clock() float64             { return g.clock }
func (g *GameState) TimeTravelBonus() float64   { return g.bonus }
func (g *GameState) UpdateRate() int            { return g.cfg.UpdateRate }
func (g *GameState) SubtickCompletion() float64 { return g.subtick }

// TickDuration 单帧的墙钟时长
func (g *GameState) TickDuration() time.Duration {
	return time.Second / time.Duration(g.cfg.UpdateRate)
}

// Time 连续时间（秒），包含子帧进度，仅用于插值渲染
func (g *GameState) Time() float64 {
	return (float64(g.tick) + g.subtick) / float64(g.cfg.UpdateRate)
}

// AttemptTime 本次尝试开始以来的时间（秒）
func (g *GameState) AttemptTime() float64 {
	return (float64(g.attemptTick) + g.subtick) / float64(g.cfg.UpdateRate)
}

// SetSubtickCompletion 设置子帧进度，限制在 [0,1)
func (g *GameState) SetSubtickCompletion(x float64) {
	if x < 0 {
		x = 0
	}
	if x >= 1 {
		x = 0.999999
	}
	g.subtick = x
}

// AddTimeTravelBonus 累加时间奖励（秒）
func (g *GameState) AddTimeTravelBonus(seconds float64) {
	if seconds <= 0 {
		return
	}
	g.bonus += seconds
	g.record()
}

// AdvanceTime 推进一帧；倒计时结束后优先消耗时间奖励，否则累加比赛计时。
// 倒计时按整帧判断，子帧进度只影响渲染。
func (g *GameState) AdvanceTime() {
	if float64(g.attemptTick)/float64(g.cfg.UpdateRate) >= g.cfg.StartOffset {
		delta := 1 / float64(g.cfg.UpdateRate)
		if g.bonus > 0 {
			g.bonus -= delta
		} else {
			g.clock += delta
		}
		// 奖励扣过头的部分补回比赛计时
		if g.bonus < 0 {
			g.clock += -g.bonus
			g.bonus = 0
		}
	}
	g.tick++
	g.attemptTick++
	g.record()
}

// Restart 重新开始本次尝试，帧号不变
func (g *GameState) Restart() {
	g.clock = 0
	g.attemptTick = -1
	g.bonus = 0
	g.record()
}

// Reset 对齐到服务端帧号（加入对局时使用），清空计时样本
func (g *GameState) Reset(tick, attemptTick Tick) {
	g.tick = tick
	g.attemptTick = attemptTick
	g.clock = 0
	g.bonus = 0
	g.subtick = 0
	g.samples = g.samples[:0]
	g.record()
}

// record 保存当前帧的计时样本；同帧覆盖
func (g *GameState) record() {
	s := clockSample{tick: g.tick, attemptTick: g.attemptTick, clock: g.clock, bonus: g.bonus}
	n := len(g.samples)
	if n > 0 && g.samples[n-1].tick >= g.tick {
		i := sort.Search(n, func(i int) bool { return g.samples[i].tick >= g.tick })
		g.samples = g.samples[:i]
	}
	g.samples = append(g.samples, s)
}

// rollBackTo 将帧指针移回 t，并恢复该帧（或之前最近一帧）的计时
func (g *GameState) rollBackTo(t Tick) {
	i := sort.Search(len(g.samples), func(i int) bool { return g.samples[i].tick > t })
	if i > 0 {
		s := g.samples[i-1]
		g.attemptTick = s.attemptTick + (t - s.tick)
		g.clock = s.clock
		g.bonus = s.bonus
		g.samples = g.samples[:i]
	}
	g.tick = t
	g.record()
}

// prune 丢弃 before 之前的样本，保留其中最新一条
func (g *GameState) prune(before Tick) {
	i := sort.Search(len(g.samples), func(i int) bool { return g.samples[i].tick >= before })
	if i <= 1 {
		return
	}
	g.samples = append(g.samples[:0], g.samples[i-1:]...)
}
