package server

import (
	"encoding/json"
	"net/http"
)

const defaultGameID = "game-1"

func gameIDFrom(r *http.Request) string {
	id := r.URL.Query().Get("game")
	if id == "" {
		id = defaultGameID
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleAdminConfig 提供对局配置的读取与更新（热更新）
// GET /admin/config?game=game-1  返回当前配置
// POST /admin/config?game=game-1 以 JSON 载荷更新部分字段
func HandleAdminConfig(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameID := gameIDFrom(r)
		game := reg.GetOrCreateGame(gameID)

		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, game.Config())
		case http.MethodPost:
			var body configPatch
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
			cfg, err := game.UpdateConfig(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "config": cfg})
			Log.Infof("config updated: game=%s rewindWindow=%d fullSyncEvery=%d maxUpdatesPerSec=%d delay=[%d,%d] drop=%.2f",
				gameID, cfg.RewindWindow, cfg.FullSyncEvery, cfg.MaxUpdatesPerSec,
				cfg.SimulateDelayMinMs, cfg.SimulateDelayMaxMs, cfg.SimulateDropProb)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// HandleMetrics 输出指定对局的运行指标
// GET /metrics?game=game-1
func HandleMetrics(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		game, ok := reg.Game(gameIDFrom(r))
		if !ok {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, game.Snapshot())
	}
}

// HandleGames 列出所有对局
func HandleGames(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"games": reg.List()})
	}
}

// HandleState 输出对局中各实体最近记录的状态（解码后的可读形式）
// GET /admin/state?game=game-1
func HandleState(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		game, ok := reg.Game(gameIDFrom(r))
		if !ok {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"game":     game.ID,
			"tick":     game.Tick(),
			"entities": game.EntityStates(),
		})
	}
}
