package netcode

import "bytes"

// Tick 固定步长的模拟帧号（网络层称为 Frame）
type Tick int64

// EntityID 同步实体的唯一标识
type EntityID int32

// Owner 实体的权威归属方（相对于本端而言）
type Owner uint8

const (
	OwnerRemote Owner = iota
	OwnerLocal
)

func (o Owner) String() string {
	if o == OwnerLocal {
		return "local"
	}
	return "remote"
}

// StateKind 状态种类，决定 State.Data 的解码方式
type StateKind uint8

// State 实体自身产出的不透明快照
type State struct {
	Kind StateKind `msgpack:"k"`
	Data []byte    `msgpack:"d"`
}

// Equal 比较种类与字节内容
func (s State) Equal(o State) bool {
	return s.Kind == o.Kind && bytes.Equal(s.Data, o.Data)
}

// IsZero 未记录过的空状态
func (s State) IsZero() bool {
	return s.Kind == 0 && len(s.Data) == 0
}

// EntityUpdate 来自网络的权威状态更新；Frame 为其描述的权威帧
type EntityUpdate struct {
	GameStateID int
	EntityID    EntityID
	Frame       Tick
	Owner       Owner
	Payload     State
}

// Entity 参与同步的游戏对象
//
// CurrentState 返回当前快照，同时将其作为下一次 StateChanged 比较的基准。
// ApplyState 返回状态是否真的发生了变化。
type Entity interface {
	ID() EntityID
	Owner() Owner
	StateChanged() bool
	CurrentState() State
	ApplyState(s State) bool
	BeforeReconciliation()
	AfterReconciliation()
}

// Simulator 物理/碰撞世界，由外部实现
type Simulator interface {
	AdvanceOneTick()
	RecomputeCollisions()
}

// ChangeTracker 帮助实体实现 StateChanged/CurrentState 语义
type ChangeTracker struct {
	saved State
	has   bool
}

// Changed 与上次保存的快照比较
func (t *ChangeTracker) Changed(cur State) bool {
	return !t.has || !cur.Equal(t.saved)
}

// MarkSaved 记录已保存的快照
func (t *ChangeTracker) MarkSaved(cur State) {
	t.saved = cur
	t.has = true
}
