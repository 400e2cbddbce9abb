package server

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry 管理多局游戏的生命周期；由进程创建并注入到各个 Handler
type Registry struct {
	mu       sync.RWMutex
	games    map[string]*Game
	nextID   int
	settings Settings
	log      *zap.SugaredLogger
}

func NewRegistry(settings Settings, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = Log
	}
	return &Registry{
		games:    make(map[string]*Game),
		settings: settings,
		log:      log,
	}
}

// GetOrCreateGame 获取或创建对局，并确保开始 Tick
func (m *Registry) GetOrCreateGame(id string) *Game {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		m.nextID++
		g = NewGame(id, m.nextID, m.settings, m.log)
		m.games[id] = g
		g.StartTicker()
		m.log.Infow("game created", "game", id, "rate", g.state.UpdateRate())
	}
	return g
}

func (m *Registry) Game(id string) (*Game, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	return g, ok
}

// List 返回所有对局 ID（有序）
func (m *Registry) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.games))
	for id := range m.games {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close 停止并移除某一局
func (m *Registry) Close(id string) {
	m.mu.Lock()
	g, ok := m.games[id]
	delete(m.games, id)
	m.mu.Unlock()
	if ok {
		g.Stop()
	}
}

// CloseAll 进程退出时停止所有对局
func (m *Registry) CloseAll() {
	m.mu.Lock()
	games := m.games
	m.games = make(map[string]*Game)
	m.mu.Unlock()
	for _, g := range games {
		g.Stop()
	}
}
