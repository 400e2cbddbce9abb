package server

import (
	"errors"
	"fmt"
	"sync"

	"marblerace/sim"
)

// GameConfig 单局运行期配置，可通过 /admin/config 热更新，每个 Tick 读取一次
type GameConfig struct {
	RewindWindow       int     `json:"rewindWindow"`       // 允许回滚的帧数
	FullSyncEvery      int     `json:"fullSyncEvery"`      // 每隔多少帧广播一次全量状态，0 关闭
	MaxUpdatesPerSec   int     `json:"maxUpdatesPerSec"`   // 每个会话每秒接受的实体更新上限
	SimulateDelayMinMs int     `json:"simulateDelayMinMs"` // 模拟入站延迟下限
	SimulateDelayMaxMs int     `json:"simulateDelayMaxMs"` // 模拟入站延迟上限
	SimulateDropProb   float64 `json:"simulateDropProb"`   // 模拟入站丢包概率
}

// DefaultGameConfig 30Hz 下约 2 秒回滚窗口，3 秒一次全量同步
func DefaultGameConfig() GameConfig {
	return GameConfig{
		RewindWindow:     60,
		FullSyncEvery:    90,
		MaxUpdatesPerSec: 120,
	}
}

// Settings 注册表创建新对局时使用的参数
type Settings struct {
	UpdateRate int
	Level      sim.Level
	Config     GameConfig
}

func DefaultSettings() Settings {
	return Settings{
		UpdateRate: 30,
		Level:      sim.DefaultLevel(),
		Config:     DefaultGameConfig(),
	}
}

// configPatch POST 载荷，只更新出现的字段
type configPatch struct {
	RewindWindow       *int     `json:"rewindWindow,omitempty"`
	FullSyncEvery      *int     `json:"fullSyncEvery,omitempty"`
	MaxUpdatesPerSec   *int     `json:"maxUpdatesPerSec,omitempty"`
	SimulateDelayMinMs *int     `json:"simulateDelayMinMs,omitempty"`
	SimulateDelayMaxMs *int     `json:"simulateDelayMaxMs,omitempty"`
	SimulateDropProb   *float64 `json:"simulateDropProb,omitempty"`
}

var errInvalidConfig = errors.New("invalid config")

func (c GameConfig) validate() error {
	switch {
	case c.RewindWindow < 0:
		return fmt.Errorf("%w: rewindWindow must be >= 0", errInvalidConfig)
	case c.FullSyncEvery < 0:
		return fmt.Errorf("%w: fullSyncEvery must be >= 0", errInvalidConfig)
	case c.MaxUpdatesPerSec <= 0:
		return fmt.Errorf("%w: maxUpdatesPerSec must be > 0", errInvalidConfig)
	case c.SimulateDelayMinMs < 0 || c.SimulateDelayMaxMs < c.SimulateDelayMinMs:
		return fmt.Errorf("%w: need 0 <= simulateDelayMinMs <= simulateDelayMaxMs", errInvalidConfig)
	case c.SimulateDropProb < 0 || c.SimulateDropProb > 1:
		return fmt.Errorf("%w: simulateDropProb must be in [0,1]", errInvalidConfig)
	}
	return nil
}

func (p configPatch) applyTo(c GameConfig) GameConfig {
	if p.RewindWindow != nil {
		c.RewindWindow = *p.RewindWindow
	}
	if p.FullSyncEvery != nil {
		c.FullSyncEvery = *p.FullSyncEvery
	}
	if p.MaxUpdatesPerSec != nil {
		c.MaxUpdatesPerSec = *p.MaxUpdatesPerSec
	}
	if p.SimulateDelayMinMs != nil {
		c.SimulateDelayMinMs = *p.SimulateDelayMinMs
	}
	if p.SimulateDelayMaxMs != nil {
		c.SimulateDelayMaxMs = *p.SimulateDelayMaxMs
	}
	if p.SimulateDropProb != nil {
		c.SimulateDropProb = *p.SimulateDropProb
	}
	return c
}

// configBox 供 HTTP 协程与 Tick 协程共享的配置
type configBox struct {
	mu  sync.RWMutex
	cfg GameConfig
}

func (b *configBox) get() GameConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *configBox) update(p configPatch) (GameConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := p.applyTo(b.cfg)
	if err := next.validate(); err != nil {
		return b.cfg, err
	}
	b.cfg = next
	return next, nil
}
