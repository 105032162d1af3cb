package rating

import (
	"fmt"
	"sync"

	"avalon-arena/internal/store"
)

// Ladder is one leaderboard's in-memory rank index. The skip list answers
// rank and range queries; the side map remembers each user's current score so
// updates can find the old entry.
type Ladder struct {
	mu   sync.RWMutex
	sl   *skipList
	elos map[string]int
}

// NewLadder returns an empty ladder.
func NewLadder() *Ladder {
	return &Ladder{sl: newSkipList(), elos: make(map[string]int)}
}

// Set inserts or repositions a user at the given ELO.
func (l *Ladder) Set(userID string, elo int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.elos[userID]; ok {
		l.sl.remove(userID, old)
	}
	l.elos[userID] = elo
	l.sl.insert(userID, elo)
}

// Remove drops a user from the ladder.
func (l *Ladder) Remove(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.elos[userID]; ok {
		l.sl.remove(userID, old)
		delete(l.elos, userID)
	}
}

// Rank returns the user's 1-indexed rank, 0 when unranked.
func (l *Ladder) Rank(userID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	elo, ok := l.elos[userID]
	if !ok {
		return 0
	}
	return l.sl.rank(userID, elo)
}

// Elo returns the user's current score.
func (l *Ladder) Elo(userID string) (int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	elo, ok := l.elos[userID]
	return elo, ok
}

// Top returns the best n entries.
func (l *Ladder) Top(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sl.rangeOf(1, n)
}

// Around returns up to `above` entries ranked better than the user, the user,
// and up to `below` ranked worse. Nil when the user is unranked.
func (l *Ladder) Around(userID string, above, below int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	elo, ok := l.elos[userID]
	if !ok {
		return nil
	}
	rank := l.sl.rank(userID, elo)
	if rank == 0 {
		return nil
	}
	return l.sl.rangeOf(rank-above, rank+below)
}

// Len returns the number of ranked users.
func (l *Ladder) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sl.length
}

// Ladders holds one Ladder per leaderboard id, created on demand.
type Ladders struct {
	mu        sync.Mutex
	byRanking map[int]*Ladder
}

// NewLadders returns an empty registry.
func NewLadders() *Ladders {
	return &Ladders{byRanking: make(map[int]*Ladder)}
}

// Ladder returns (creating if needed) the ladder for a leaderboard.
func (ls *Ladders) Ladder(rankingID int) *Ladder {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	l, ok := ls.byRanking[rankingID]
	if !ok {
		l = NewLadder()
		ls.byRanking[rankingID] = l
	}
	return l
}

// Warm loads the current store rows into the ladder so rank queries are
// correct from process start, not only after the first settled battle.
func (ls *Ladders) Warm(st store.Store, rankingID, limit int) error {
	rows, err := st.Leaderboard(rankingID, limit)
	if err != nil {
		return fmt.Errorf("warm ladder %d: %w", rankingID, err)
	}
	l := ls.Ladder(rankingID)
	for _, row := range rows {
		l.Set(row.UserID, row.Elo)
	}
	return nil
}
