package transport

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"marblerace/netcode"
)

// ErrMalformed 消息无法解析
var ErrMalformed = errors.New("transport: malformed message")

// MessageType 信封中的消息类型
type MessageType string

const (
	MsgHello   MessageType = "hello"
	MsgWelcome MessageType = "welcome"
	MsgUpdates MessageType = "updates"
	MsgLeft    MessageType = "left"
	MsgBye     MessageType = "bye"
)

// Envelope 统一信封：{t: 类型, b: 原始消息体}
type Envelope struct {
	Type MessageType        `msgpack:"t"`
	Body msgpack.RawMessage `msgpack:"b"`
}

// Hello 客户端 → 服务端，连接后的第一条消息
type Hello struct {
	Name string `msgpack:"name"`
}

// Welcome 服务端 → 客户端：分配的会话、弹珠与当前时间线
type Welcome struct {
	Player uint32 `msgpack:"player"`
	Marble int32  `msgpack:"marble"`
	Tick   int64  `msgpack:"tick"`
	Rate   int    `msgpack:"rate"`
	Floor  int64  `msgpack:"floor"`
}

// WireUpdate 单个实体在某一帧的状态；Owner 为拥有者会话 ID（0 为服务端）
type WireUpdate struct {
	Entity int32  `msgpack:"e"`
	Frame  int64  `msgpack:"f"`
	Owner  uint32 `msgpack:"o"`
	Kind   uint8  `msgpack:"k"`
	Data   []byte `msgpack:"d"`
}

// UpdateBundle 双向：一组状态更新。Frame 为发送方当前帧，Floor 为其回滚下限。
type UpdateBundle struct {
	Frame   int64        `msgpack:"frame"`
	Floor   int64        `msgpack:"floor"`
	Updates []WireUpdate `msgpack:"updates"`
}

// Left 某个弹珠离开对局
type Left struct {
	Marble int32 `msgpack:"marble"`
}

type Bye struct {
	Reason string `msgpack:"reason"`
}

// Encode 编码消息体并装入信封
func Encode(t MessageType, body any) ([]byte, error) {
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	b, err := msgpack.Marshal(&Envelope{Type: t, Body: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", t, err)
	}
	return b, nil
}

// Decode 解析信封，消息体留待 DecodeBody
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// DecodeBody 按具体类型解析消息体
func (e Envelope) DecodeBody(v any) error {
	if err := msgpack.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// FromHistory 历史记录 → 线上格式
func FromHistory(h netcode.HistoryEntry, owner uint32) WireUpdate {
	return WireUpdate{
		Entity: int32(h.EntityID),
		Frame:  int64(h.Tick),
		Owner:  owner,
		Kind:   uint8(h.State.Kind),
		Data:   h.State.Data,
	}
}

// EntityUpdate 线上格式 → 引擎更新。拥有者等于 self 时视为本地实体。
func (w WireUpdate) EntityUpdate(gameStateID int, self uint32) (netcode.EntityUpdate, error) {
	kind := netcode.StateKind(w.Kind)
	if !netcode.KnownKind(kind) {
		return netcode.EntityUpdate{}, fmt.Errorf("entity %d: %w %d", w.Entity, netcode.ErrUnknownKind, w.Kind)
	}
	owner := netcode.OwnerRemote
	if w.Owner == self {
		owner = netcode.OwnerLocal
	}
	return netcode.EntityUpdate{
		GameStateID: gameStateID,
		EntityID:    netcode.EntityID(w.Entity),
		Frame:       netcode.Tick(w.Frame),
		Owner:       owner,
		Payload:     netcode.State{Kind: kind, Data: w.Data},
	}, nil
}
