package netcode

import (
	"sort"
	"sync"
)

// UpdateChannel 入站权威更新的缓冲队列。
// 网络协程只调用 Enqueue；Drain 与应用都发生在 Tick 线程。
type UpdateChannel struct {
	mu    sync.Mutex
	items []EntityUpdate
}

func NewUpdateChannel() *UpdateChannel {
	return &UpdateChannel{}
}

// Enqueue 追加一条更新（可并发调用）
func (c *UpdateChannel) Enqueue(u EntityUpdate) {
	c.mu.Lock()
	c.items = append(c.items, u)
	c.mu.Unlock()
}

// Requeue 将更新放回队首，保持原有先后顺序
func (c *UpdateChannel) Requeue(us []EntityUpdate) {
	if len(us) == 0 {
		return
	}
	c.mu.Lock()
	items := make([]EntityUpdate, 0, len(us)+len(c.items))
	items = append(items, us...)
	c.items = append(items, c.items...)
	c.mu.Unlock()
}

// DrainMatching 取出并返回所有满足条件的更新，保留到达顺序
func (c *UpdateChannel) DrainMatching(pred func(EntityUpdate) bool) []EntityUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []EntityUpdate
	kept := c.items[:0]
	for _, u := range c.items {
		if pred(u) {
			out = append(out, u)
		} else {
			kept = append(kept, u)
		}
	}
	// 清掉尾部残留引用
	for i := len(kept); i < len(c.items); i++ {
		c.items[i] = EntityUpdate{}
	}
	c.items = kept
	return out
}

// MinFrame 缓冲中的最小帧号；为空时返回 false，调用方必须先检查
func (c *UpdateChannel) MinFrame() (Tick, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return updateBatch(c.items).minFrame()
}

func (c *UpdateChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// updateBatch 一次对账中取出的更新，按帧号稳定排序
type updateBatch []EntityUpdate

func newUpdateBatch(us []EntityUpdate) updateBatch {
	sort.SliceStable(us, func(i, j int) bool { return us[i].Frame < us[j].Frame })
	return updateBatch(us)
}

func (b updateBatch) minFrame() (Tick, bool) {
	if len(b) == 0 {
		return 0, false
	}
	lo := b[0].Frame
	for _, u := range b[1:] {
		if u.Frame < lo {
			lo = u.Frame
		}
	}
	return lo, true
}

// older 帧号不晚于 t 的更新（回滚点补齐，仅用一次）
func (b updateBatch) older(t Tick) []EntityUpdate {
	var out []EntityUpdate
	for _, u := range b {
		if u.Frame <= t {
			out = append(out, u)
		}
	}
	return out
}

// current 帧号恰好等于 t 的更新（重放中逐帧使用）
func (b updateBatch) current(t Tick) []EntityUpdate {
	var out []EntityUpdate
	for _, u := range b {
		if u.Frame == t {
			out = append(out, u)
		}
	}
	return out
}

// split 拆分为已到达帧与未来帧
func (b updateBatch) split(present Tick) (due updateBatch, future []EntityUpdate) {
	for _, u := range b {
		if u.Frame > present {
			future = append(future, u)
		} else {
			due = append(due, u)
		}
	}
	return due, future
}
