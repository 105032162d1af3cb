// Package automatch keeps each leaderboard's ladder warm: one scheduler
// instance per leaderboard continuously samples seven distinct active bots
// and submits battles, holding a bounded number in flight.
package automatch

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"avalon-arena/internal/battle"
	"avalon-arena/internal/config"
	"avalon-arena/internal/game"
	"avalon-arena/internal/store"
)

// BattleType marks scheduler-created battles in the store.
const BattleType = "automatch"

// Stats is one instance's operator-facing counters.
type Stats struct {
	RankingID int           `json:"ranking_id"`
	Running   bool          `json:"running"`
	Created   int           `json:"created"`
	Completed int           `json:"completed"`
	Errored   int           `json:"errored"`
	Cancelled int           `json:"cancelled"`
	InFlight  int           `json:"in_flight"`
	Backoff   time.Duration `json:"backoff_ns"`
	LastError string        `json:"last_error,omitempty"`
}

// Instance is one leaderboard's scheduler. Start launches a producer and a
// reaper goroutine; Stop joins them.
type Instance struct {
	rankingID int
	cfg       config.AutomatchConfig
	st        store.Store
	mgr       *battle.Manager
	rng       *rand.Rand

	inflight chan string

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu           sync.Mutex
	stats        Stats
	roster       []*store.AICode
	sinceRefresh int
	pending      map[string]struct{}
}

// NewInstance builds a stopped scheduler for one leaderboard.
func NewInstance(rankingID int, cfg config.AutomatchConfig, st store.Store, mgr *battle.Manager) *Instance {
	return &Instance{
		rankingID: rankingID,
		cfg:       cfg,
		st:        st,
		mgr:       mgr,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		inflight:  make(chan string, cfg.InFlightCap),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		pending:   make(map[string]struct{}),
		stats:     Stats{RankingID: rankingID, Backoff: cfg.BackoffMin},
	}
}

// Start launches the instance goroutines.
func (i *Instance) Start() {
	i.mu.Lock()
	i.stats.Running = true
	i.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); i.produce() }()
	go func() { defer wg.Done(); i.reap() }()
	go func() { wg.Wait(); close(i.done) }()

	log.Printf("🎮 automatch %d started", i.rankingID)
}

// Stop signals the goroutines and waits up to StopJoin for them to exit.
// Returns false on join timeout (the goroutines still exit eventually).
func (i *Instance) Stop() bool {
	i.stopOnce.Do(func() { close(i.stopCh) })

	joined := true
	select {
	case <-i.done:
	case <-time.After(i.cfg.StopJoin):
		joined = false
		log.Printf("⚠️ automatch %d: stop join timed out", i.rankingID)
	}

	i.mu.Lock()
	i.stats.Running = false
	i.mu.Unlock()
	return joined
}

// Terminate stops the instance and cancels every battle it still has in
// flight, using the system reason so the cancellations stay off the
// user-facing metric.
func (i *Instance) Terminate() {
	i.Stop()

	i.mu.Lock()
	ids := make([]string, 0, len(i.pending))
	for id := range i.pending {
		ids = append(ids, id)
	}
	i.mu.Unlock()

	for _, id := range ids {
		if _, err := i.mgr.Cancel(id, battle.CancelReasonSystem); err != nil {
			log.Printf("⚠️ automatch %d: cancel %s: %v", i.rankingID, id, err)
		}
	}
	log.Printf("🛑 automatch %d terminated (%d battles cancelled)", i.rankingID, len(ids))
}

// Stats returns a snapshot of the counters.
func (i *Instance) Stats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	s := i.stats
	s.InFlight = len(i.pending)
	return s
}

// ResetStats zeroes the counters without touching the running state.
func (i *Instance) ResetStats() {
	i.mu.Lock()
	defer i.mu.Unlock()
	running := i.stats.Running
	i.stats = Stats{RankingID: i.rankingID, Running: running, Backoff: i.cfg.BackoffMin}
}

// produce creates battles in batches while slots and candidates allow.
func (i *Instance) produce() {
	backoff := i.cfg.BackoffMin

	for {
		select {
		case <-i.stopCh:
			return
		default:
		}

		roster, err := i.currentRoster()
		if err != nil {
			i.noteError(err)
			if !i.sleep(backoff) {
				return
			}
			backoff = i.nextBackoff(backoff)
			continue
		}
		if len(roster) < game.PlayerCount {
			// Not enough bots on this ladder yet; back off instead of spinning.
			i.setBackoff(backoff)
			if !i.sleep(backoff) {
				return
			}
			backoff = i.nextBackoff(backoff)
			continue
		}
		backoff = i.cfg.BackoffMin
		i.setBackoff(backoff)

		created := 0
		for created < i.cfg.BatchSize {
			if !i.submitOne(roster) {
				break
			}
			created++
		}

		pause := i.cfg.IdleSleep
		if created > 0 {
			pause = i.cfg.BatchSleep
		}
		if !i.sleep(pause) {
			return
		}
	}
}

// submitOne samples seven distinct users and submits a battle. Returns false
// when no slot or queue capacity is available.
func (i *Instance) submitOne(roster []*store.AICode) bool {
	i.mu.Lock()
	full := len(i.pending) >= i.cfg.InFlightCap
	i.mu.Unlock()
	if full {
		return false
	}

	participants, err := i.draw(roster)
	if err != nil {
		i.noteError(err)
		return false
	}

	id, err := i.mgr.Submit(i.rankingID, BattleType, false, participants)
	if err != nil {
		i.noteError(err)
		return false
	}

	i.mu.Lock()
	i.pending[id] = struct{}{}
	i.stats.Created++
	i.sinceRefresh++
	i.mu.Unlock()

	select {
	case i.inflight <- id:
	default:
		// pending already guards the cap; an overfull channel means a reap
		// raced us, and the id is still tracked in pending.
	}
	return true
}

// draw picks seven distinct-user bots and shuffles them onto seats 1..7.
func (i *Instance) draw(roster []*store.AICode) ([]store.Participant, error) {
	if len(roster) < game.PlayerCount {
		return nil, fmt.Errorf("automatch %d: roster shrank below %d", i.rankingID, game.PlayerCount)
	}
	idx := i.rng.Perm(len(roster))[:game.PlayerCount]

	out := make([]store.Participant, game.PlayerCount)
	for seat, j := range idx {
		out[seat] = store.Participant{
			UserID:   roster[j].UserID,
			AICodeID: roster[j].ID,
			Position: seat + 1,
		}
	}
	return out, nil
}

// currentRoster returns the cached roster, refreshing every RefreshEvery
// created battles or when the cache is empty.
func (i *Instance) currentRoster() ([]*store.AICode, error) {
	i.mu.Lock()
	needRefresh := len(i.roster) == 0 || i.sinceRefresh >= i.cfg.RefreshEvery
	cached := i.roster
	i.mu.Unlock()
	if !needRefresh {
		return cached, nil
	}

	roster, err := i.st.ActiveAICodes(i.rankingID)
	if err != nil {
		return nil, fmt.Errorf("automatch %d: refresh roster: %w", i.rankingID, err)
	}

	i.mu.Lock()
	i.roster = roster
	i.sinceRefresh = 0
	i.mu.Unlock()
	return roster, nil
}

// reap pops in-flight battles and polls each to a terminal status, freeing
// its slot and bumping the matching counter.
func (i *Instance) reap() {
	for {
		select {
		case <-i.stopCh:
			return
		case id := <-i.inflight:
			i.awaitTerminal(id)
		case <-time.After(i.cfg.PopTimeout):
		}
	}
}

func (i *Instance) awaitTerminal(id string) {
	for {
		b, err := i.st.Battle(id)
		if err != nil {
			i.noteError(err)
			i.release(id, store.StatusError)
			return
		}
		if b.Status.Terminal() {
			i.release(id, b.Status)
			return
		}
		if !i.sleep(i.cfg.PollInterval) {
			return
		}
	}
}

func (i *Instance) release(id string, status store.Status) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.pending, id)
	switch status {
	case store.StatusCompleted:
		i.stats.Completed++
	case store.StatusCancelled:
		i.stats.Cancelled++
	default:
		i.stats.Errored++
	}
}

func (i *Instance) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > i.cfg.BackoffMax {
		next = i.cfg.BackoffMax
	}
	return next
}

func (i *Instance) setBackoff(d time.Duration) {
	i.mu.Lock()
	i.stats.Backoff = d
	i.mu.Unlock()
}

func (i *Instance) noteError(err error) {
	log.Printf("⚠️ automatch %d: %v", i.rankingID, err)
	i.mu.Lock()
	i.stats.LastError = err.Error()
	i.mu.Unlock()
}

// sleep waits d or returns false on stop.
func (i *Instance) sleep(d time.Duration) bool {
	select {
	case <-i.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
