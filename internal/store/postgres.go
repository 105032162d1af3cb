package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Postgres implements Store on a Postgres database via lib/pq.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects and verifies the database.
func OpenPostgres(dsn string, maxOpen, maxIdle int) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// EnsureSchema creates the battle tables when they do not exist yet.
func (p *Postgres) EnsureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS battles (
			id            TEXT PRIMARY KEY,
			status        TEXT NOT NULL DEFAULT 'waiting',
			ranking_id    INTEGER NOT NULL DEFAULT 0,
			elo_exempt    BOOLEAN NOT NULL DEFAULT FALSE,
			battle_type   TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL,
			started_at    TIMESTAMPTZ,
			ended_at      TIMESTAMPTZ,
			results       BYTEA,
			game_log_uuid TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_battles_status ON battles (status)`,
		`CREATE INDEX IF NOT EXISTS idx_battles_ended_at ON battles (ended_at DESC)`,
		`CREATE TABLE IF NOT EXISTS battle_players (
			id          TEXT PRIMARY KEY,
			battle_id   TEXT NOT NULL REFERENCES battles(id) ON DELETE CASCADE,
			user_id     TEXT NOT NULL,
			ai_code_id  TEXT NOT NULL,
			position    INTEGER NOT NULL,
			outcome     TEXT NOT NULL DEFAULT '',
			initial_elo INTEGER NOT NULL DEFAULT 1200,
			elo_change  INTEGER NOT NULL DEFAULT 0,
			joined_at   TIMESTAMPTZ NOT NULL,
			UNIQUE (battle_id, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_battle_players_battle ON battle_players (battle_id)`,
		`CREATE TABLE IF NOT EXISTS game_stats (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			ranking_id   INTEGER NOT NULL DEFAULT 0,
			elo          INTEGER NOT NULL DEFAULT 1200,
			games_played INTEGER NOT NULL DEFAULT 0,
			wins         INTEGER NOT NULL DEFAULT 0,
			losses       INTEGER NOT NULL DEFAULT 0,
			draws        INTEGER NOT NULL DEFAULT 0,
			UNIQUE (user_id, ranking_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_game_stats_elo ON game_stats (ranking_id, elo DESC)`,
		`CREATE TABLE IF NOT EXISTS ai_codes (
			id      TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name    TEXT NOT NULL,
			path    TEXT NOT NULL,
			active  BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_codes_user_active ON ai_codes (user_id, active)`,
	}
	for _, s := range stmts {
		if _, err := p.db.Exec(s); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SeedBot upserts a bot and its ladder row. Dev bootstrap only.
func (p *Postgres) SeedBot(rankingID int, userID, aiName, aiPath string) (*AICode, error) {
	ai := &AICode{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   aiName,
		Path:   aiPath,
		Active: true,
	}
	if _, err := p.db.Exec(
		`INSERT INTO ai_codes (id, user_id, name, path, active) VALUES ($1, $2, $3, $4, TRUE)`,
		ai.ID, ai.UserID, ai.Name, ai.Path); err != nil {
		return nil, err
	}
	if _, err := p.db.Exec(
		`INSERT INTO game_stats (id, user_id, ranking_id, elo) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, ranking_id) DO NOTHING`,
		uuid.NewString(), userID, rankingID, DefaultElo); err != nil {
		return nil, err
	}
	return ai, nil
}

const battleCols = `id, status, ranking_id, elo_exempt, battle_type, created_at, started_at, ended_at, results, game_log_uuid`

func scanBattle(row interface{ Scan(...any) error }) (*Battle, error) {
	var b Battle
	var status string
	if err := row.Scan(&b.ID, &status, &b.RankingID, &b.EloExempt, &b.BattleType,
		&b.CreatedAt, &b.StartedAt, &b.EndedAt, &b.Results, &b.GameLogUUID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	b.Status = Status(status)
	return &b, nil
}

func (p *Postgres) Battle(id string) (*Battle, error) {
	row := p.db.QueryRow(`SELECT `+battleCols+` FROM battles WHERE id = $1`, id)
	return scanBattle(row)
}

func (p *Postgres) CreateBattle(rankingID int, battleType string, eloExempt bool, participants []Participant) (*Battle, error) {
	if len(participants) != 7 {
		return nil, fmt.Errorf("create battle: want 7 participants, got %d", len(participants))
	}

	tx, err := p.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	b := &Battle{
		ID:         uuid.NewString(),
		Status:     StatusWaiting,
		RankingID:  rankingID,
		EloExempt:  eloExempt,
		BattleType: battleType,
		CreatedAt:  now,
	}
	if _, err := tx.Exec(
		`INSERT INTO battles (id, status, ranking_id, elo_exempt, battle_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, string(b.Status), b.RankingID, b.EloExempt, b.BattleType, b.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert battle: %w", err)
	}

	for _, part := range participants {
		elo := DefaultElo
		var cur int
		err := tx.QueryRow(
			`SELECT elo FROM game_stats WHERE user_id = $1 AND ranking_id = $2`,
			part.UserID, rankingID,
		).Scan(&cur)
		if err == nil {
			elo = cur
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("snapshot elo: %w", err)
		}

		if _, err := tx.Exec(
			`INSERT INTO battle_players (id, battle_id, user_id, ai_code_id, position, initial_elo, joined_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), b.ID, part.UserID, part.AICodeID, part.Position, elo, now,
		); err != nil {
			return nil, fmt.Errorf("insert battle player: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *Postgres) SetBattleStatus(id string, status Status) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch {
	case status == StatusPlaying:
		res, err = p.db.Exec(
			`UPDATE battles SET status = $2, started_at = COALESCE(started_at, $3)
			 WHERE id = $1 AND status NOT IN ('completed','error','cancelled')`,
			id, string(status), now)
	case status.Terminal():
		res, err = p.db.Exec(
			`UPDATE battles SET status = $2, ended_at = COALESCE(ended_at, $3)
			 WHERE id = $1 AND status NOT IN ('completed','error','cancelled')`,
			id, string(status), now)
	default:
		res, err = p.db.Exec(
			`UPDATE battles SET status = $2
			 WHERE id = $1 AND status NOT IN ('completed','error','cancelled')`,
			id, string(status))
	}
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, berr := p.Battle(id); berr != nil {
			return berr
		}
		return ErrBadTransition
	}
	return nil
}

func (p *Postgres) SaveBattleResult(id string, status Status, results []byte, gameLogUUID string) error {
	now := time.Now().UTC()
	res, err := p.db.Exec(
		`UPDATE battles SET status = $2, results = $3, game_log_uuid = $4, ended_at = COALESCE(ended_at, $5)
		 WHERE id = $1 AND status NOT IN ('completed','error','cancelled')`,
		id, string(status), results, gameLogUUID, now)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, berr := p.Battle(id); berr != nil {
			return berr
		}
		return ErrBadTransition
	}
	return nil
}

func (p *Postgres) MarkBattleCancelled(id string, reason []byte) (bool, error) {
	now := time.Now().UTC()
	res, err := p.db.Exec(
		`UPDATE battles SET status = 'cancelled', results = $2, ended_at = $3
		 WHERE id = $1 AND status IN ('waiting','playing')`,
		id, reason, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, berr := p.Battle(id); berr != nil {
			return false, berr
		}
		return false, nil
	}
	return true, nil
}

func (p *Postgres) BattlePlayers(battleID string) ([]*BattlePlayer, error) {
	rows, err := p.db.Query(
		`SELECT id, battle_id, user_id, ai_code_id, position, outcome, initial_elo, elo_change, joined_at
		 FROM battle_players WHERE battle_id = $1 ORDER BY position`, battleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BattlePlayer
	for rows.Next() {
		var bp BattlePlayer
		if err := rows.Scan(&bp.ID, &bp.BattleID, &bp.UserID, &bp.AICodeID, &bp.Position,
			&bp.Outcome, &bp.InitialElo, &bp.EloChange, &bp.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, &bp)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, rows.Err()
}

func (p *Postgres) GameStats(userID string, rankingID int) (*GameStats, error) {
	var gs GameStats
	err := p.db.QueryRow(
		`SELECT id, user_id, ranking_id, elo, games_played, wins, losses, draws
		 FROM game_stats WHERE user_id = $1 AND ranking_id = $2`, userID, rankingID).
		Scan(&gs.ID, &gs.UserID, &gs.RankingID, &gs.Elo, &gs.GamesPlayed, &gs.Wins, &gs.Losses, &gs.Draws)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &gs, nil
}

func (p *Postgres) CreateGameStats(userID string, rankingID int) (*GameStats, error) {
	gs := &GameStats{
		ID:        uuid.NewString(),
		UserID:    userID,
		RankingID: rankingID,
		Elo:       DefaultElo,
	}
	if _, err := p.db.Exec(
		`INSERT INTO game_stats (id, user_id, ranking_id, elo) VALUES ($1, $2, $3, $4)`,
		gs.ID, gs.UserID, gs.RankingID, gs.Elo); err != nil {
		return nil, err
	}
	return gs, nil
}

func (p *Postgres) ApplyBattleOutcome(b *Battle, players []*BattlePlayer, stats []*GameStats) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE battles SET status = $2, results = $3, game_log_uuid = $4, ended_at = $5
		 WHERE id = $1`,
		b.ID, string(b.Status), b.Results, b.GameLogUUID, b.EndedAt); err != nil {
		return fmt.Errorf("update battle: %w", err)
	}

	for _, bp := range players {
		if _, err := tx.Exec(
			`UPDATE battle_players SET outcome = $2, initial_elo = $3, elo_change = $4 WHERE id = $1`,
			bp.ID, bp.Outcome, bp.InitialElo, bp.EloChange); err != nil {
			return fmt.Errorf("update battle player %s: %w", bp.ID, err)
		}
	}

	for _, gs := range stats {
		if _, err := tx.Exec(
			`UPDATE game_stats SET elo = $2, games_played = $3, wins = $4, losses = $5, draws = $6
			 WHERE id = $1`,
			gs.ID, gs.Elo, gs.GamesPlayed, gs.Wins, gs.Losses, gs.Draws); err != nil {
			return fmt.Errorf("update game stats %s: %w", gs.ID, err)
		}
	}

	return tx.Commit()
}

func (p *Postgres) AICode(id string) (*AICode, error) {
	var ai AICode
	err := p.db.QueryRow(
		`SELECT id, user_id, name, path, active FROM ai_codes WHERE id = $1`, id).
		Scan(&ai.ID, &ai.UserID, &ai.Name, &ai.Path, &ai.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ai, nil
}

func (p *Postgres) ActiveAICodes(rankingID int) ([]*AICode, error) {
	rows, err := p.db.Query(
		`SELECT a.id, a.user_id, a.name, a.path, a.active
		 FROM ai_codes a
		 JOIN game_stats g ON g.user_id = a.user_id AND g.ranking_id = $1
		 WHERE a.active ORDER BY a.id`, rankingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AICode
	for rows.Next() {
		var ai AICode
		if err := rows.Scan(&ai.ID, &ai.UserID, &ai.Name, &ai.Path, &ai.Active); err != nil {
			return nil, err
		}
		out = append(out, &ai)
	}
	return out, rows.Err()
}

func (p *Postgres) Leaderboard(rankingID, limit int) ([]*GameStats, error) {
	rows, err := p.db.Query(
		`SELECT id, user_id, ranking_id, elo, games_played, wins, losses, draws
		 FROM game_stats WHERE ranking_id = $1 ORDER BY elo DESC, user_id LIMIT $2`,
		rankingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*GameStats
	for rows.Next() {
		var gs GameStats
		if err := rows.Scan(&gs.ID, &gs.UserID, &gs.RankingID, &gs.Elo,
			&gs.GamesPlayed, &gs.Wins, &gs.Losses, &gs.Draws); err != nil {
			return nil, err
		}
		out = append(out, &gs)
	}
	return out, rows.Err()
}

func (p *Postgres) RecentBattles(limit int) ([]*Battle, error) {
	rows, err := p.db.Query(
		`SELECT `+battleCols+` FROM battles WHERE ended_at IS NOT NULL
		 ORDER BY ended_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Battle
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
