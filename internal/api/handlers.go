package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"avalon-arena/internal/observer"
	"avalon-arena/internal/store"
)

func (h *routerHandlers) handleGetBattle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "battleID")
	b, err := h.battles.Status(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "battle not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, battleJSON(b))
}

func (h *routerHandlers) handleGetBattlePlayers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "battleID")
	players, err := h.st.BattlePlayers(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "battle not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]interface{}, 0, len(players))
	for _, p := range players {
		out = append(out, map[string]interface{}{
			"user_id":     p.UserID,
			"ai_code_id":  p.AICodeID,
			"position":    p.Position,
			"outcome":     p.Outcome,
			"initial_elo": p.InitialElo,
			"elo_change":  p.EloChange,
		})
	}
	writeJSON(w, out)
}

// handleGetBattleSnapshots drains the live snapshot queue of a running
// battle. A drain consumes the queue; concurrent viewers should use the
// WebSocket feed instead.
func (h *routerHandlers) handleGetBattleSnapshots(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "battleID")
	snaps := h.battles.Snapshots(id)
	if snaps == nil {
		snaps = []observer.Snapshot{}
	}
	writeJSON(w, snaps)
}

func (h *routerHandlers) handleRecentBattles(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 100)
	battles, err := h.st.RecentBattles(limit)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]interface{}, 0, len(battles))
	for _, b := range battles {
		out = append(out, battleJSON(b))
	}
	writeJSON(w, out)
}

func (h *routerHandlers) handleSubmitBattle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RankingID    int    `json:"ranking_id"`
		BattleType   string `json:"battle_type"`
		EloExempt    bool   `json:"elo_exempt"`
		Participants []struct {
			UserID   string `json:"user_id"`
			AICodeID string `json:"ai_code_id"`
			Position int    `json:"position"`
		} `json:"participants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.BattleType == "" {
		req.BattleType = "custom"
	}

	participants := make([]store.Participant, len(req.Participants))
	for i, p := range req.Participants {
		participants[i] = store.Participant{UserID: p.UserID, AICodeID: p.AICodeID, Position: p.Position}
	}

	id, err := h.battles.Submit(req.RankingID, req.BattleType, req.EloExempt, participants)
	if err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, map[string]string{"battle_id": id})
}

func (h *routerHandlers) handleCancelBattle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "battleID")

	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator"
	}

	ok, err := h.battles.Cancel(id, req.Reason)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "battle not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"cancelled": ok})
}

func (h *routerHandlers) handleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	rankingID, err := strconv.Atoi(chi.URLParam(r, "rankingID"))
	if err != nil {
		writeError(w, "invalid leaderboard id", http.StatusBadRequest)
		return
	}
	limit := queryInt(r, "limit", 50, 200)

	rows, err := h.st.Leaderboard(rankingID, limit)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ladder := h.ladders.Ladder(rankingID)
	out := make([]map[string]interface{}, 0, len(rows))
	for i, row := range rows {
		rank := ladder.Rank(row.UserID)
		if rank == 0 {
			rank = i + 1
		}
		out = append(out, map[string]interface{}{
			"rank":         rank,
			"user_id":      row.UserID,
			"elo":          row.Elo,
			"games_played": row.GamesPlayed,
			"wins":         row.Wins,
			"losses":       row.Losses,
			"draws":        row.Draws,
		})
	}
	writeJSON(w, out)
}

func (h *routerHandlers) handleGetUserRank(w http.ResponseWriter, r *http.Request) {
	rankingID, err := strconv.Atoi(chi.URLParam(r, "rankingID"))
	if err != nil {
		writeError(w, "invalid leaderboard id", http.StatusBadRequest)
		return
	}
	userID := chi.URLParam(r, "userID")

	gs, err := h.st.GameStats(userID, rankingID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "user not ranked", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"user_id":      gs.UserID,
		"ranking_id":   gs.RankingID,
		"elo":          gs.Elo,
		"rank":         h.ladders.Ladder(rankingID).Rank(userID),
		"games_played": gs.GamesPlayed,
		"wins":         gs.Wins,
		"losses":       gs.Losses,
		"draws":        gs.Draws,
	})
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"queue_depth":    h.battles.QueueDepth(),
		"workers":        h.battles.Workers(),
		"active_battles": h.battles.ActiveBattles(),
		"automatch":      h.automatch.Statuses(),
	})
}

func (h *routerHandlers) handleAutomatchStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.automatch.Statuses())
}

func (h *routerHandlers) handleAutomatchManage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RankingIDs []int `json:"ranking_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request", http.StatusBadRequest)
		return
	}
	h.automatch.ManageSet(req.RankingIDs)
	writeJSON(w, map[string]bool{"success": true})
}

func (h *routerHandlers) handleAutomatchStart(w http.ResponseWriter, r *http.Request) {
	h.automatchAction(w, r, h.automatch.Start)
}

func (h *routerHandlers) handleAutomatchStop(w http.ResponseWriter, r *http.Request) {
	h.automatchAction(w, r, h.automatch.Stop)
}

func (h *routerHandlers) handleAutomatchTerminate(w http.ResponseWriter, r *http.Request) {
	h.automatchAction(w, r, h.automatch.Terminate)
}

func (h *routerHandlers) handleAutomatchReset(w http.ResponseWriter, r *http.Request) {
	h.automatchAction(w, r, h.automatch.ResetStats)
}

func (h *routerHandlers) automatchAction(w http.ResponseWriter, r *http.Request, fn func(int) error) {
	rankingID, err := strconv.Atoi(chi.URLParam(r, "rankingID"))
	if err != nil {
		writeError(w, "invalid leaderboard id", http.StatusBadRequest)
		return
	}
	if err := fn(rankingID); err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

// Helper functions (package-level for reuse)

func battleJSON(b *store.Battle) map[string]interface{} {
	out := map[string]interface{}{
		"id":          b.ID,
		"status":      b.Status,
		"ranking_id":  b.RankingID,
		"battle_type": b.BattleType,
		"elo_exempt":  b.EloExempt,
		"created_at":  b.CreatedAt,
		"started_at":  b.StartedAt,
		"ended_at":    b.EndedAt,
	}
	if len(b.Results) > 0 {
		out["results"] = json.RawMessage(b.Results)
	}
	return out
}

func queryInt(r *http.Request, key string, def, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
