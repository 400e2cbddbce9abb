package netcode

import (
	"sort"
	"sync"
)

// HistoryEntry 某实体在某帧保存的状态
type HistoryEntry struct {
	EntityID    EntityID
	GameStateID int
	Tick        Tick
	State       State
}

type historyKey struct {
	gameState int
	entity    EntityID
}

// Store 按实体保存状态历史，用于回滚与"某帧时的状态"查询。
// 同一实体的记录按帧号严格递增排列；gameStateID 区分共用同一 Store 的多局游戏。
type Store struct {
	mu      sync.RWMutex
	entries map[historyKey][]HistoryEntry
	current map[int]Tick
}

func NewStore() *Store {
	return &Store{
		entries: make(map[historyKey][]HistoryEntry),
		current: make(map[int]Tick),
	}
}

// Record 记录某帧状态；同帧覆盖，其他帧的记录保持不变
func (s *Store) Record(gameStateID int, id EntityID, tick Tick, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(gameStateID, id, tick, st)
}

func (s *Store) recordLocked(gameStateID int, id EntityID, tick Tick, st State) {
	k := historyKey{gameState: gameStateID, entity: id}
	list := s.entries[k]
	e := HistoryEntry{EntityID: id, GameStateID: gameStateID, Tick: tick, State: st}
	n := len(list)
	switch i := sort.Search(n, func(i int) bool { return list[i].Tick >= tick }); {
	case i == n:
		list = append(list, e)
	case list[i].Tick == tick:
		list[i] = e
	default:
		list = append(list, HistoryEntry{})
		copy(list[i+1:], list[i:])
		list[i] = e
	}
	s.entries[k] = list
	if cur, ok := s.current[gameStateID]; !ok || tick > cur {
		s.current[gameStateID] = tick
	}
}

// Save 为所有报告"自上次保存后有变化"的实体记录当前状态，返回记录条数
func (s *Store) Save(gameStateID int, tick Tick, entities []Entity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range entities {
		if !e.StateChanged() {
			continue
		}
		s.recordLocked(gameStateID, e.ID(), tick, e.CurrentState())
		n++
	}
	if cur, ok := s.current[gameStateID]; !ok || tick > cur {
		s.current[gameStateID] = tick
	}
	return n
}

// RollBackTo 将当前帧指针移回 tick，不删除任何记录。
// 指针之后的记录由重放逐帧覆盖，或由 DiscardAfter 显式放弃。
func (s *Store) RollBackTo(gameStateID int, tick Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[gameStateID] = tick
}

// DiscardAfter 放弃某实体晚于 tick 的时间线，返回删除条数
func (s *Store) DiscardAfter(gameStateID int, id EntityID, tick Tick) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := historyKey{gameState: gameStateID, entity: id}
	list := s.entries[k]
	i := sort.Search(len(list), func(i int) bool { return list[i].Tick > tick })
	if i == len(list) {
		return 0
	}
	s.entries[k] = list[:i]
	return len(list) - i
}

// Current 当前帧指针
func (s *Store) Current(gameStateID int) (Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.current[gameStateID]
	return t, ok
}

// StateAt 返回 tick 及之前最近一次记录的状态；没有记录返回 false
func (s *Store) StateAt(gameStateID int, id EntityID, tick Tick) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.entries[historyKey{gameState: gameStateID, entity: id}]
	i := sort.Search(len(list), func(i int) bool { return list[i].Tick > tick })
	if i == 0 {
		return State{}, false
	}
	return list[i-1].State, true
}

// EntriesSince 返回晚于 tick 的全部记录，按帧号、实体号排序
func (s *Store) EntriesSince(gameStateID int, tick Tick) []HistoryEntry {
	s.mu.RLock()
	var out []HistoryEntry
	for k, list := range s.entries {
		if k.gameState != gameStateID {
			continue
		}
		i := sort.Search(len(list), func(i int) bool { return list[i].Tick > tick })
		out = append(out, list[i:]...)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tick != out[j].Tick {
			return out[i].Tick < out[j].Tick
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// Latest 每个实体最新的一条记录，按实体号排序
func (s *Store) Latest(gameStateID int) []HistoryEntry {
	s.mu.RLock()
	var out []HistoryEntry
	for k, list := range s.entries {
		if k.gameState == gameStateID && len(list) > 0 {
			out = append(out, list[len(list)-1])
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Prune 删除 before 之前的记录，但每个实体保留其中最新一条，StateAt 仍能回答。
// 返回删除条数。
func (s *Store) Prune(gameStateID int, before Tick) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, list := range s.entries {
		if k.gameState != gameStateID {
			continue
		}
		i := sort.Search(len(list), func(i int) bool { return list[i].Tick >= before })
		if i <= 1 {
			continue
		}
		removed += i - 1
		s.entries[k] = append(list[:0:0], list[i-1:]...)
	}
	return removed
}

// Len 某局游戏的历史记录总数
func (s *Store) Len(gameStateID int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k, list := range s.entries {
		if k.gameState == gameStateID {
			n += len(list)
		}
	}
	return n
}

// Drop 对局结束时释放其全部历史
func (s *Store) Drop(gameStateID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if k.gameState == gameStateID {
			delete(s.entries, k)
		}
	}
	delete(s.current, gameStateID)
}
