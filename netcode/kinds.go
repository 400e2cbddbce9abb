package netcode

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnknownKind 未注册的状态种类
var ErrUnknownKind = errors.New("netcode: unknown state kind")

type kindSpec struct {
	name    string
	factory func() any
}

var (
	kindsMu sync.RWMutex
	kinds   = make(map[StateKind]kindSpec)
)

// RegisterKind 注册一种状态及其解码目标；重复注册视为编程错误
func RegisterKind(kind StateKind, name string, factory func() any) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	if kind == 0 {
		panic("netcode: state kind 0 is reserved")
	}
	if prev, ok := kinds[kind]; ok {
		panic(fmt.Sprintf("netcode: state kind %d already registered as %q", kind, prev.name))
	}
	kinds[kind] = kindSpec{name: name, factory: factory}
}

// KnownKind 是否已注册
func KnownKind(kind StateKind) bool {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	_, ok := kinds[kind]
	return ok
}

// KindName 返回种类名称，未注册返回 "unknown"
func KindName(kind StateKind) string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	if spec, ok := kinds[kind]; ok {
		return spec.name
	}
	return "unknown"
}

// EncodeState 以 msgpack 编码实体状态
func EncodeState(kind StateKind, v any) (State, error) {
	if !KnownKind(kind) {
		return State{}, fmt.Errorf("encode kind %d: %w", kind, ErrUnknownKind)
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return State{}, fmt.Errorf("encode %s: %w", KindName(kind), err)
	}
	return State{Kind: kind, Data: b}, nil
}

// DecodeState 按注册表解码出新值，供管理接口输出可读状态
func DecodeState(s State) (any, error) {
	kindsMu.RLock()
	spec, ok := kinds[s.Kind]
	kindsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("decode kind %d: %w", s.Kind, ErrUnknownKind)
	}
	v := spec.factory()
	if err := msgpack.Unmarshal(s.Data, v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", spec.name, err)
	}
	return v, nil
}

// DecodeInto 解码到调用方提供的值，种类不符时报错
func DecodeInto(s State, want StateKind, v any) error {
	if s.Kind != want {
		return fmt.Errorf("decode: got kind %s, want %s", KindName(s.Kind), KindName(want))
	}
	if err := msgpack.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", KindName(want), err)
	}
	return nil
}
