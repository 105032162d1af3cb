package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a map-backed Store for tests and single-node dev runs.
// All returned records are copies; callers never share memory with the store.
type Memory struct {
	mu      sync.RWMutex
	battles map[string]*Battle
	players map[string][]*BattlePlayer // battle id -> seats ordered by position
	stats   map[string]*GameStats      // userID|rankingID
	aiCodes map[string]*AICode
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		battles: make(map[string]*Battle),
		players: make(map[string][]*BattlePlayer),
		stats:   make(map[string]*GameStats),
		aiCodes: make(map[string]*AICode),
	}
}

func statsKey(userID string, rankingID int) string {
	return fmt.Sprintf("%s|%d", userID, rankingID)
}

// SeedBot registers a bot and its ladder row. Dev bootstrap only.
func (m *Memory) SeedBot(rankingID int, userID, aiName, aiPath string) (*AICode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ai := &AICode{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   aiName,
		Path:   aiPath,
		Active: true,
	}
	m.aiCodes[ai.ID] = ai

	key := statsKey(userID, rankingID)
	if _, ok := m.stats[key]; !ok {
		m.stats[key] = &GameStats{
			ID:        uuid.NewString(),
			UserID:    userID,
			RankingID: rankingID,
			Elo:       DefaultElo,
		}
	}
	cp := *ai
	return &cp, nil
}

func (m *Memory) Battle(id string) (*Battle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.battles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) CreateBattle(rankingID int, battleType string, eloExempt bool, participants []Participant) (*Battle, error) {
	if len(participants) != 7 {
		return nil, fmt.Errorf("create battle: want 7 participants, got %d", len(participants))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	b := &Battle{
		ID:         uuid.NewString(),
		Status:     StatusWaiting,
		RankingID:  rankingID,
		EloExempt:  eloExempt,
		BattleType: battleType,
		CreatedAt:  now,
	}
	m.battles[b.ID] = b

	seats := make([]*BattlePlayer, 0, 7)
	for _, p := range participants {
		elo := DefaultElo
		if gs, ok := m.stats[statsKey(p.UserID, rankingID)]; ok {
			elo = gs.Elo
		}
		seats = append(seats, &BattlePlayer{
			ID:         uuid.NewString(),
			BattleID:   b.ID,
			UserID:     p.UserID,
			AICodeID:   p.AICodeID,
			Position:   p.Position,
			InitialElo: elo,
			JoinedAt:   now,
		})
	}
	sort.Slice(seats, func(i, j int) bool { return seats[i].Position < seats[j].Position })
	m.players[b.ID] = seats

	cp := *b
	return &cp, nil
}

func (m *Memory) SetBattleStatus(id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.battles[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status.Terminal() && b.Status != status {
		return ErrBadTransition
	}

	now := time.Now().UTC()
	b.Status = status
	if status == StatusPlaying && b.StartedAt == nil {
		b.StartedAt = &now
	}
	if status.Terminal() && b.EndedAt == nil {
		b.EndedAt = &now
	}
	return nil
}

func (m *Memory) SaveBattleResult(id string, status Status, results []byte, gameLogUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.battles[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status.Terminal() && b.Status != status {
		return ErrBadTransition
	}

	now := time.Now().UTC()
	b.Status = status
	b.Results = append([]byte(nil), results...)
	b.GameLogUUID = gameLogUUID
	if b.EndedAt == nil {
		b.EndedAt = &now
	}
	return nil
}

func (m *Memory) MarkBattleCancelled(id string, reason []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.battles[id]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status != StatusWaiting && b.Status != StatusPlaying {
		return false, nil
	}

	now := time.Now().UTC()
	b.Status = StatusCancelled
	b.Results = append([]byte(nil), reason...)
	b.EndedAt = &now
	return true, nil
}

func (m *Memory) BattlePlayers(battleID string) ([]*BattlePlayer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seats, ok := m.players[battleID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*BattlePlayer, len(seats))
	for i, s := range seats {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) GameStats(userID string, rankingID int) (*GameStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gs, ok := m.stats[statsKey(userID, rankingID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *gs
	return &cp, nil
}

func (m *Memory) CreateGameStats(userID string, rankingID int) (*GameStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := statsKey(userID, rankingID)
	if _, ok := m.stats[key]; ok {
		return nil, fmt.Errorf("game stats already exist for %s", key)
	}
	gs := &GameStats{
		ID:        uuid.NewString(),
		UserID:    userID,
		RankingID: rankingID,
		Elo:       DefaultElo,
	}
	m.stats[key] = gs
	cp := *gs
	return &cp, nil
}

func (m *Memory) ApplyBattleOutcome(b *Battle, players []*BattlePlayer, stats []*GameStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.battles[b.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *b
	cp.Results = append([]byte(nil), b.Results...)
	*cur = cp

	seats := m.players[b.ID]
	for _, upd := range players {
		for _, s := range seats {
			if s.ID == upd.ID {
				*s = *upd
				break
			}
		}
	}

	for _, gs := range stats {
		key := statsKey(gs.UserID, gs.RankingID)
		cp := *gs
		m.stats[key] = &cp
	}
	return nil
}

func (m *Memory) AICode(id string) (*AICode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ai, ok := m.aiCodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ai
	return &cp, nil
}

func (m *Memory) ActiveAICodes(rankingID int) ([]*AICode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	onBoard := make(map[string]bool)
	for _, gs := range m.stats {
		if gs.RankingID == rankingID {
			onBoard[gs.UserID] = true
		}
	}

	var out []*AICode
	for _, ai := range m.aiCodes {
		if ai.Active && onBoard[ai.UserID] {
			cp := *ai
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Leaderboard(rankingID, limit int) ([]*GameStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rows []*GameStats
	for _, gs := range m.stats {
		if gs.RankingID == rankingID {
			cp := *gs
			rows = append(rows, &cp)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Elo != rows[j].Elo {
			return rows[i].Elo > rows[j].Elo
		}
		return rows[i].UserID < rows[j].UserID
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *Memory) RecentBattles(limit int) ([]*Battle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rows []*Battle
	for _, b := range m.battles {
		if b.EndedAt != nil {
			cp := *b
			rows = append(rows, &cp)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].EndedAt.After(*rows[j].EndedAt) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
