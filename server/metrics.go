package server

import (
	"sync/atomic"
)

// GameMetrics 记录对局运行期的关键指标（用于监控与调试）
type GameMetrics struct {
	TickCount         int64 // 统计的 Tick 次数
	UpdatesAccepted   int64 // 被接受并入队的实体更新数
	RateLimited       int64 // 因会话限流被拒绝的更新数
	Unauthorized      int64 // 试图修改非自己弹珠的更新数
	Malformed         int64 // 无法解析的消息或更新数
	DropsSimulated    int64 // 因模拟丢包被丢弃的消息数
	ChanFullDiscarded int64 // 因通道满被丢弃的消息数
	TotalTickNs       int64 // Tick 累计耗时（纳秒）
	HistoryLen        int64 // 当前历史记录条数
	Sessions          int64 // 当前会话数
	ConnDropped       int64 // 连接收发队列满被丢弃的消息数
}

func (m *GameMetrics) IncAccepted()            { atomic.AddInt64(&m.UpdatesAccepted, 1) }
func (m *GameMetrics) IncRateLimited()         { atomic.AddInt64(&m.RateLimited, 1) }
func (m *GameMetrics) IncUnauthorized()        { atomic.AddInt64(&m.Unauthorized, 1) }
func (m *GameMetrics) IncMalformed()           { atomic.AddInt64(&m.Malformed, 1) }
func (m *GameMetrics) IncDropsSimulated()      { atomic.AddInt64(&m.DropsSimulated, 1) }
func (m *GameMetrics) IncChanFullDiscarded()   { atomic.AddInt64(&m.ChanFullDiscarded, 1) }
func (m *GameMetrics) SetHistoryLen(n int)     { atomic.StoreInt64(&m.HistoryLen, int64(n)) }
func (m *GameMetrics) SetSessions(n int)       { atomic.StoreInt64(&m.Sessions, int64(n)) }
func (m *GameMetrics) SetConnDropped(n uint64) { atomic.StoreInt64(&m.ConnDropped, int64(n)) }
func (m *GameMetrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *GameMetrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":          tick,
		"updates_accepted":    atomic.LoadInt64(&m.UpdatesAccepted),
		"rate_limited":        atomic.LoadInt64(&m.RateLimited),
		"unauthorized":        atomic.LoadInt64(&m.Unauthorized),
		"malformed":           atomic.LoadInt64(&m.Malformed),
		"drops_simulated":     atomic.LoadInt64(&m.DropsSimulated),
		"chan_full_discarded": atomic.LoadInt64(&m.ChanFullDiscarded),
		"history_len":         atomic.LoadInt64(&m.HistoryLen),
		"sessions":            atomic.LoadInt64(&m.Sessions),
		"conn_dropped":        atomic.LoadInt64(&m.ConnDropped),
		"avg_tick_ms":         avgMs,
	}
}
