package server

import (
	"time"

	"marblerace/netcode"
	"marblerace/transport"
)

// inbound 客户端消息，在 Tick 中解释；due 为模拟延迟后的可处理时间
type inbound struct {
	session SessionID
	payload []byte
	due     time.Time
}

// handleMessage 解析一条客户端消息。客户端只能更新自己的弹珠。
func (g *Game) handleMessage(in inbound) {
	s, ok := g.sessions[in.session]
	if !ok {
		return
	}
	env, err := transport.Decode(in.payload)
	if err != nil {
		g.metrics.IncMalformed()
		g.log.Debugw("drop malformed message", "session", s.ID, "err", err)
		return
	}
	switch env.Type {
	case transport.MsgUpdates:
		var bundle transport.UpdateBundle
		if err := env.DecodeBody(&bundle); err != nil {
			g.metrics.IncMalformed()
			return
		}
		g.acceptUpdates(s, bundle)
	case transport.MsgBye:
		g.removeSession(s.ID)
	default:
		g.metrics.IncMalformed()
	}
}

func (g *Game) acceptUpdates(s *Session, bundle transport.UpdateBundle) {
	for _, wu := range bundle.Updates {
		if netcode.EntityID(wu.Entity) != s.Marble {
			g.metrics.IncUnauthorized()
			continue
		}
		if !s.allow() {
			g.metrics.IncRateLimited()
			continue
		}
		// 拥有者以会话为准，不信任客户端填写的值
		wu.Owner = uint32(s.ID)
		u, err := wu.EntityUpdate(g.state.ID(), 0)
		if err != nil {
			g.metrics.IncMalformed()
			continue
		}
		g.engine.EnqueueUpdate(u)
		g.metrics.IncAccepted()
	}
}

// BroadcastDelta 广播上次发送之后新增的历史；发生回滚时从回滚帧重新发送，
// 周期性附带全量状态
func (g *Game) BroadcastDelta(cfg GameConfig) {
	now := g.state.Tick()
	since := g.lastSent
	if t, ok := g.engine.ConsumeRewind(); ok && t-1 < since {
		since = t - 1
	}
	g.lastSent = now

	var updates []transport.WireUpdate
	for _, h := range g.engine.Store().EntriesSince(g.state.ID(), since) {
		// 已离开的弹珠不再广播
		if _, ok := g.engine.Entity(h.EntityID); !ok {
			continue
		}
		updates = append(updates, transport.FromHistory(h, g.ownerOf(h.EntityID)))
	}
	if cfg.FullSyncEvery > 0 && now-g.lastFullSync >= netcode.Tick(cfg.FullSyncEvery) {
		g.lastFullSync = now
		updates = append(updates, g.snapshot(now)...)
	}
	if len(updates) == 0 || len(g.sessions) == 0 {
		return
	}
	b, err := g.encodeBundle(updates)
	if err != nil {
		g.log.Errorw("encode updates failed", "err", err)
		return
	}
	g.broadcast(b)
}

// snapshot 所有实体在 tick 时的状态
func (g *Game) snapshot(tick netcode.Tick) []transport.WireUpdate {
	ents := g.engine.Entities()
	out := make([]transport.WireUpdate, 0, len(ents))
	for _, ent := range ents {
		st, ok := g.engine.Store().StateAt(g.state.ID(), ent.ID(), tick)
		if !ok {
			continue
		}
		h := netcode.HistoryEntry{EntityID: ent.ID(), GameStateID: g.state.ID(), Tick: tick, State: st}
		out = append(out, transport.FromHistory(h, g.ownerOf(ent.ID())))
	}
	return out
}

func (g *Game) encodeBundle(updates []transport.WireUpdate) ([]byte, error) {
	return transport.Encode(transport.MsgUpdates, &transport.UpdateBundle{
		Frame:   int64(g.state.Tick()),
		Floor:   int64(g.engine.RewindFloor()),
		Updates: updates,
	})
}

func (g *Game) broadcast(b []byte) {
	for _, s := range g.sessions {
		s.send(b)
	}
}

func (g *Game) ownerOf(id netcode.EntityID) uint32 {
	return uint32(g.owners[id])
}
