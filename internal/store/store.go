// Package store defines the battle store: persistence of battles, their
// players, and per-leaderboard game stats. The match execution core only
// talks to the Store interface; Postgres and in-memory implementations live
// alongside it.
package store

import (
	"errors"
	"time"
)

// Battle status values. Transitions are monotone forward; the terminal
// statuses (completed, error, cancelled) are sticky.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusPlaying   Status = "playing"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

var (
	ErrNotFound      = errors.New("store: not found")
	ErrBadTransition = errors.New("store: illegal status transition")
)

// Battle is one 7-player match record. All timestamps are UTC.
type Battle struct {
	ID          string
	Status      Status
	RankingID   int // 0 = untracked/test ladder
	EloExempt   bool
	BattleType  string
	CreatedAt   time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	Results     []byte // JSON result blob
	GameLogUUID string
}

// Participant is the submit-time description of one seat.
type Participant struct {
	UserID   string
	AICodeID string
	Position int // 1..7, unique within the battle
}

// BattlePlayer is one seat of a battle. Positions form a permutation of 1..7.
type BattlePlayer struct {
	ID         string
	BattleID   string
	UserID     string
	AICodeID   string
	Position   int
	Outcome    string // win, loss, draw, cancelled, or ""
	InitialElo int
	EloChange  int
	JoinedAt   time.Time
}

// AICode is a user's uploaded bot. Read-only to the core.
type AICode struct {
	ID     string
	UserID string
	Name   string
	Path   string // filesystem path to the bot source
	Active bool
}

// GameStats is one (user, leaderboard) ladder row.
// Invariant: GamesPlayed == Wins + Losses + Draws. Elo never drops below 100.
type GameStats struct {
	ID          string
	UserID      string
	RankingID   int
	Elo         int
	GamesPlayed int
	Wins        int
	Losses      int
	Draws       int
}

const (
	DefaultElo = 1200
	EloFloor   = 100
)

// Store is the persistence surface consumed by the battle manager, the
// automatch scheduler, and the rating processor.
type Store interface {
	// Battle returns the battle or ErrNotFound.
	Battle(id string) (*Battle, error)

	// CreateBattle inserts a battle with status waiting and one BattlePlayer
	// per participant (InitialElo snapshotted from the user's current stats,
	// defaulting to DefaultElo).
	CreateBattle(rankingID int, battleType string, eloExempt bool, participants []Participant) (*Battle, error)

	// SetBattleStatus advances the battle status. Entering playing stamps
	// StartedAt; entering a terminal status stamps EndedAt. Moving out of a
	// terminal status returns ErrBadTransition.
	SetBattleStatus(id string, status Status) error

	// SaveBattleResult stores the serialized result and log artifact id
	// together with the terminal status.
	SaveBattleResult(id string, status Status, results []byte, gameLogUUID string) error

	// MarkBattleCancelled cancels a waiting/playing battle, recording the
	// reason blob as its result. Returns false without error when the battle
	// is already terminal (cancellation is idempotent).
	MarkBattleCancelled(id string, reason []byte) (bool, error)

	// BattlePlayers returns the battle's seats ordered by position.
	BattlePlayers(battleID string) ([]*BattlePlayer, error)

	// GameStats returns the (user, leaderboard) row or ErrNotFound.
	GameStats(userID string, rankingID int) (*GameStats, error)

	// CreateGameStats inserts a fresh row at the default ELO.
	CreateGameStats(userID string, rankingID int) (*GameStats, error)

	// ApplyBattleOutcome persists the battle row, its updated players, and
	// the touched stats rows in a single transaction.
	ApplyBattleOutcome(b *Battle, players []*BattlePlayer, stats []*GameStats) error

	// AICode resolves a bot id to its record (the AI code resolver).
	AICode(id string) (*AICode, error)

	// ActiveAICodes lists the active bot per user for every user holding a
	// stats row on the given leaderboard.
	ActiveAICodes(rankingID int) ([]*AICode, error)

	// Leaderboard returns the top rows by ELO, descending.
	Leaderboard(rankingID, limit int) ([]*GameStats, error)

	// RecentBattles returns the most recently ended battles.
	RecentBattles(limit int) ([]*Battle, error)
}

// Seeder is implemented by stores that support dev-time roster bootstrap.
type Seeder interface {
	SeedBot(rankingID int, userID, aiName, aiPath string) (*AICode, error)
}
