package sim

// Rect 轴对齐矩形（左上角 + 宽高）
type Rect struct {
	X, Y, W, H float64
}

func (r Rect) overlaps(o Rect) bool {
	return r.X < o.X+o.W && o.X < r.X+r.W && r.Y < o.Y+o.H && o.Y < r.Y+r.H
}

// Marker 移动平台路径上的一个节点
type Marker struct {
	X, Y      float64
	MsToNext  float64
	Smoothing string // "Linear" | "Accelerate"
}

// PathSpec 沿路径移动的平台
type PathSpec struct {
	W, H          float64
	Markers       []Marker
	InitialOffset float64 // ms，未触发时的相位

	// 触发区：弹珠进入后平台移动到 TriggerDest（ms）
	Trigger     *Rect
	TriggerDest float64
}

// Level 关卡的碰撞与出生数据
type Level struct {
	Width, Height int
	CellSize      int
	Solids        []Rect
	Spawn         Rect
	Platforms     []PathSpec
	Pickups       []Rect // 时间奖励
	PowerUps      []PowerUp
	Finish        Rect
}

// PowerUp 关卡中的其他道具
type PowerUp struct {
	Effect Effect
	Rect
}

// DefaultLevel 内置的一条简单赛道
func DefaultLevel() Level {
	return Level{
		Width:    2048,
		Height:   640,
		CellSize: 16,
		Solids: []Rect{
			{X: 0, Y: 560, W: 704, H: 32},
			{X: 896, Y: 560, W: 640, H: 32},
			{X: 1536, Y: 496, W: 512, H: 32},
			{X: 0, Y: 0, W: 16, H: 560},
			{X: 2032, Y: 0, W: 16, H: 496},
			{X: 1200, Y: 512, W: 48, H: 48},
		},
		Spawn: Rect{X: 64, Y: 500, W: 12, H: 12},
		Platforms: []PathSpec{
			{
				W: 160, H: 16,
				Markers: []Marker{
					{X: 720, Y: 560, MsToNext: 3000, Smoothing: "Accelerate"},
					{X: 720, Y: 420, MsToNext: 3000, Smoothing: "Accelerate"},
					{X: 720, Y: 560},
				},
			},
			{
				W: 96, H: 16,
				Markers: []Marker{
					{X: 1560, Y: 400, MsToNext: 2000, Smoothing: "Linear"},
					{X: 1840, Y: 400},
				},
				Trigger:     &Rect{X: 1536, Y: 432, W: 64, H: 64},
				TriggerDest: 2000,
			},
		},
		Pickups: []Rect{
			{X: 480, Y: 520, W: 16, H: 16},
			{X: 1320, Y: 520, W: 16, H: 16},
		},
		PowerUps: []PowerUp{
			{Effect: EffectSuperBounce, Rect: Rect{X: 1100, Y: 520, W: 16, H: 16}},
			{Effect: EffectAntiGravity, Rect: Rect{X: 1700, Y: 456, W: 16, H: 16}},
		},
		Finish: Rect{X: 1980, Y: 432, W: 48, H: 64},
	}
}
