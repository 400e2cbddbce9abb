package server

import "time"

// StartTicker 启动对局的 Tick 循环（单线程推进世界），Stop 结束
func (g *Game) StartTicker() {
	if g.tickerStarted {
		return
	}
	g.tickerStarted = true
	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.state.TickDuration())
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				start := time.Now()
				g.runTick()
				g.metrics.AddTick(time.Since(start).Nanoseconds())
			}
		}
	}()
}
