package sim

import (
	"fmt"

	"marblerace/netcode"
)

// 状态种类
const (
	KindMarble      netcode.StateKind = 1
	KindPlatform    netcode.StateKind = 2
	KindPickup      netcode.StateKind = 3
	KindSuperBounce netcode.StateKind = 4
	KindAntiGravity netcode.StateKind = 5
)

// 实体 ID 分段：关卡物体固定编号，弹珠由服务端分配
const (
	PlatformIDBase netcode.EntityID = 1
	PickupIDBase   netcode.EntityID = 100
	MarbleIDBase   netcode.EntityID = 1000
)

func init() {
	netcode.RegisterKind(KindMarble, "marble", func() any { return new(MarbleState) })
	netcode.RegisterKind(KindPlatform, "platform", func() any { return new(PlatformState) })
	netcode.RegisterKind(KindPickup, "time_travel", func() any { return new(PickupState) })
	netcode.RegisterKind(KindSuperBounce, "super_bounce", func() any { return new(PickupState) })
	netcode.RegisterKind(KindAntiGravity, "anti_gravity", func() any { return new(PickupState) })
}

// mustEncode 种类在 init 中注册，编码失败属于编程错误
func mustEncode(kind netcode.StateKind, v any) netcode.State {
	s, err := netcode.EncodeState(kind, v)
	if err != nil {
		panic(fmt.Sprintf("sim: %v", err))
	}
	return s
}
