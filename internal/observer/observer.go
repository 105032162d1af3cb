// Package observer records one battle's timeline: every event is appended to
// the on-disk archive and mirrored into an in-memory snapshot queue that live
// clients drain.
package observer

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"avalon-arena/internal/gamefile"
)

// Closed event vocabulary. The rating processor and replay UIs consume these;
// do not invent new types without updating both.
const (
	EvGameStart           = "GameStart"
	EvRoleAssign          = "RoleAssign"
	EvNightStart          = "NightStart"
	EvNightEnd            = "NightEnd"
	EvRoundStart          = "RoundStart"
	EvRoundEnd            = "RoundEnd"
	EvLeader              = "Leader"
	EvTeamPropose         = "TeamPropose"
	EvPublicSpeech        = "PublicSpeech"
	EvPrivateSpeech       = "PrivateSpeech"
	EvPublicVote          = "PublicVote"
	EvPublicVoteResult    = "PublicVoteResult"
	EvMissionApproved     = "MissionApproved"
	EvMissionRejected     = "MissionRejected"
	EvMissionForceExecute = "MissionForceExecute"
	EvMissionVote         = "MissionVote"
	EvMissionResult       = "MissionResult"
	EvScoreBoard          = "ScoreBoard"
	EvFinalScore          = "FinalScore"
	EvPositions           = "Positions"
	EvDefaultPositions    = "DefaultPositions"
	EvMove                = "Move"
	EvAssass              = "Assass"
	EvGameResult          = "GameResult"
	EvGameEnd             = "GameEnd"

	EvTokens             = "tokens"
	EvCriticalPlayerErr  = "critical_player_ERROR"
	EvPlayerReturnErr    = "player_return_ERROR"
	EvCriticalSetupErr   = "critical_setup_error"
	EvGameAborted        = "game_aborted"
	EvGameTerminated     = "game_terminated"
	EvGameError          = "game_error"

	// Operator-facing diagnostics emitted by the manager, never by the referee.
	EvBug           = "Bug"
	EvBattleManager = "BattleManager"
	EvWarning       = "Warning"
)

const (
	playerCount = 7
	mapSize     = 9

	// Archive pacing. The limiter delays writes, it never drops them.
	archiveWritesPerSec = 50
	archiveBurst        = 100
)

// Snapshot is one recorded event as surfaced to live clients.
type Snapshot struct {
	BattleID    string    `json:"battle_id"`
	PlayerCount int       `json:"player_count"`
	MapSize     int       `json:"map_size"`
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	EventData   any       `json:"event_data"`
}

// Observer owns one battle's archive file and snapshot queue. The referee
// worker is the usual single writer; cancellation paths may contend, so all
// entry points lock.
type Observer struct {
	battleID string
	dir      *gamefile.Dir
	limiter  *rate.Limiter

	mu        sync.Mutex
	snapshots []Snapshot
	total     uint64
}

// New creates the observer and its empty archive file.
func New(battleID string, dir *gamefile.Dir) (*Observer, error) {
	ob := &Observer{
		battleID: battleID,
		dir:      dir,
		limiter:  rate.NewLimiter(archiveWritesPerSec, archiveBurst),
	}
	if err := ob.Finalize(); err != nil {
		return nil, err
	}
	return ob, nil
}

// Record appends one event to the archive and pushes a deep copy onto the
// snapshot queue.
func (ob *Observer) Record(eventType string, eventData any) {
	snap := Snapshot{
		BattleID:    ob.battleID,
		PlayerCount: playerCount,
		MapSize:     mapSize,
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		EventData:   deepCopy(eventData),
	}

	ob.mu.Lock()
	ob.snapshots = append(ob.snapshots, snap)
	ob.total++
	ob.mu.Unlock()

	ob.limiter.Wait(context.Background())
	if err := ob.dir.AppendArchive(map[string]any{
		"battle_id":    snap.BattleID,
		"player_count": snap.PlayerCount,
		"map_size":     snap.MapSize,
		"timestamp":    snap.Timestamp,
		"event_type":   snap.EventType,
		"event_data":   snap.EventData,
	}); err != nil {
		log.Printf("⚠️ [%s] archive append failed (%s): %v", ob.battleID, eventType, err)
	}
}

// DrainSnapshots returns the queued snapshots and clears the queue. A second
// back-to-back drain returns an empty slice.
func (ob *Observer) DrainSnapshots() []Snapshot {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	out := make([]Snapshot, len(ob.snapshots))
	for i, s := range ob.snapshots {
		out[i] = s
		out[i].EventData = deepCopy(s.EventData)
	}
	ob.snapshots = ob.snapshots[:0]
	return out
}

// Pending returns how many snapshots are queued.
func (ob *Observer) Pending() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return len(ob.snapshots)
}

// Total returns the number of events recorded over the battle's lifetime.
func (ob *Observer) Total() uint64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.total
}

// Finalize makes sure the archive exists and is a valid JSON array.
func (ob *Observer) Finalize() error {
	return ob.dir.EnsureArchive()
}

// deepCopy detaches eventData from the caller via a JSON round trip. Referee
// phase state is maps/slices of plain values, so this is lossless.
func deepCopy(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
