// Package battle runs the match execution pipeline: a bounded admission
// queue feeding an adaptive worker pool, each worker driving one battle from
// status waiting through a referee run to a terminal status and rating
// settlement.
package battle

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"avalon-arena/internal/bothost"
	"avalon-arena/internal/config"
	"avalon-arena/internal/game"
	"avalon-arena/internal/gamefile"
	"avalon-arena/internal/llm"
	"avalon-arena/internal/observer"
	"avalon-arena/internal/rating"
	"avalon-arena/internal/store"
)

// ErrQueueFull rejects submissions when the admission queue is at capacity.
var ErrQueueFull = errors.New("battle: admission queue full")

// CancelReasonSystem marks shutdown/maintenance cancellations; they do not
// count toward the user-facing cancellation metric.
const CancelReasonSystem = "system"

// Running is the live view of one executing battle.
type Running struct {
	Observer  *observer.Observer
	StartedAt time.Time
}

// Manager is the process-wide battle executor. Construct exactly one.
type Manager struct {
	cfg     config.AppConfig
	st      store.Store
	llmPool *llm.Pool
	proc    *rating.Processor

	queue  chan string
	pool   *pool
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*Running
}

// NewManager wires the executor. Call Start before submitting.
func NewManager(cfg config.AppConfig, st store.Store, llmPool *llm.Pool, proc *rating.Processor) *Manager {
	m := &Manager{
		cfg:     cfg,
		st:      st,
		llmPool: llmPool,
		proc:    proc,
		queue:   make(chan string, cfg.Battle.QueueSize),
		stopCh:  make(chan struct{}),
		running: make(map[string]*Running),
	}
	m.pool = newPool(m, cfg.Battle)
	return m
}

// Start launches the worker pool and its monitor.
func (m *Manager) Start() {
	m.pool.start()
}

// Stop drains nothing: queued battles stay waiting in the store and workers
// finish (or observe cancellation of) their current battle.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	log.Printf("✅ battle manager stopped")
}

// Submit creates the battle record and enqueues it. The returned id is
// immediately queryable via Status.
func (m *Manager) Submit(rankingID int, battleType string, eloExempt bool, participants []store.Participant) (string, error) {
	b, err := m.st.CreateBattle(rankingID, battleType, eloExempt, participants)
	if err != nil {
		return "", fmt.Errorf("create battle: %w", err)
	}

	select {
	case m.queue <- b.ID:
		metricQueueDepth.Inc()
		log.Printf("🎮 battle %s queued (ladder %d, type %s)", b.ID, rankingID, battleType)
		return b.ID, nil
	default:
		reason, _ := json.Marshal(map[string]string{"reason": "queue full"})
		if _, cerr := m.st.MarkBattleCancelled(b.ID, reason); cerr != nil {
			log.Printf("⚠️ failed to cancel overflow battle %s: %v", b.ID, cerr)
		}
		return "", ErrQueueFull
	}
}

// Cancel marks a battle cancelled. A queued battle settles when a worker
// picks it up; a playing battle unwinds at the referee's next status check.
// Returns false when the battle was already terminal.
func (m *Manager) Cancel(battleID, reason string) (bool, error) {
	blob, _ := json.Marshal(map[string]string{"reason": reason})
	ok, err := m.st.MarkBattleCancelled(battleID, blob)
	if err != nil {
		return false, err
	}
	if ok && reason != CancelReasonSystem {
		metricCancelled.Inc()
	}
	return ok, nil
}

// Status returns the battle record.
func (m *Manager) Status(battleID string) (*store.Battle, error) {
	return m.st.Battle(battleID)
}

// Snapshots drains the live snapshot queue of a running battle; nil when the
// battle is not currently executing.
func (m *Manager) Snapshots(battleID string) []observer.Snapshot {
	m.mu.Lock()
	r := m.running[battleID]
	m.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Observer.DrainSnapshots()
}

// ActiveBattles lists the ids currently held by workers.
func (m *Manager) ActiveBattles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.running))
	for id := range m.running {
		out = append(out, id)
	}
	return out
}

// QueueDepth reports pending admissions.
func (m *Manager) QueueDepth() int { return len(m.queue) }

// Workers reports the current pool size.
func (m *Manager) Workers() int { return m.pool.size() }

func (m *Manager) worker(shrink <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-shrink:
			return
		case id := <-m.queue:
			metricQueueDepth.Dec()
			m.runBattle(id)
		}
	}
}

func (m *Manager) runBattle(id string) {
	start := time.Now()

	dir, err := gamefile.NewDir(m.cfg.Files.DataDir, id)
	if err != nil {
		log.Printf("💀 battle %s: cannot create data dir: %v", id, err)
		m.failSetup(id, nil, err)
		m.settle(id, nil)
		return
	}

	// Cancelled while queued: no game to run, settle the outcomes.
	if err := m.st.SetBattleStatus(id, store.StatusPlaying); err != nil {
		if errors.Is(err, store.ErrBadTransition) {
			m.settle(id, dir)
			return
		}
		log.Printf("💀 battle %s: cannot enter playing: %v", id, err)
		return
	}

	// The settle-containing defer below is not registered yet, so this path
	// must mark and settle explicitly.
	ob, err := observer.New(id, dir)
	if err != nil {
		log.Printf("💀 battle %s: observer init: %v", id, err)
		m.failSetup(id, dir, err)
		m.settle(id, dir)
		return
	}

	m.mu.Lock()
	m.running[id] = &Running{Observer: ob, StartedAt: start}
	m.mu.Unlock()
	metricActiveBattles.Inc()

	llmb := llm.NewBattle(id, m.llmPool, m.cfg.LLM, dir)
	host, err := bothost.NewHost(m.cfg.Files.ModuleDir, id, m.cfg.Battle.BotCallLimit, llmb, dir)

	defer func() {
		llmb.ReleaseAll()
		if host != nil {
			host.Purge()
		}
		m.mu.Lock()
		delete(m.running, id)
		m.mu.Unlock()
		metricActiveBattles.Dec()
		metricDuration.Observe(time.Since(start).Seconds())
		m.settle(id, dir)
	}()

	if err != nil {
		m.failSetup(id, dir, err)
		return
	}

	sources, err := m.botSources(id)
	if err == nil {
		err = host.LoadBots(sources)
	}
	if err != nil {
		ob.Record(observer.EvCriticalSetupErr, map[string]any{"error_msg": err.Error()})
		m.failSetup(id, dir, err)
		return
	}

	ref := game.NewReferee(game.Config{
		BattleID: id,
		Files:    dir,
		Observer: ob,
		Host:     host,
		LLM:      llmb,
		Checker:  game.NewStatusChecker(m.st, id, m.cfg.Battle.StatusCheck),
	})

	res, gameErr := ref.RunGame()
	blob, merr := json.Marshal(res)
	if merr != nil {
		log.Printf("⚠️ battle %s: result marshal: %v", id, merr)
	}

	switch {
	case gameErr == nil && res.WinReason == game.WinTerminated:
		// Store already holds the cancelled status and reason.
		metricBattlesTotal.WithLabelValues(string(store.StatusCancelled)).Inc()
	case gameErr == nil:
		if err := m.st.SaveBattleResult(id, store.StatusCompleted, blob, id); err != nil {
			log.Printf("⚠️ battle %s: save result: %v", id, err)
		}
		metricBattlesTotal.WithLabelValues(string(store.StatusCompleted)).Inc()
	default:
		if err := m.st.SaveBattleResult(id, store.StatusError, blob, id); err != nil && !errors.Is(err, store.ErrBadTransition) {
			log.Printf("⚠️ battle %s: save error result: %v", id, err)
		}
		metricBattlesTotal.WithLabelValues(string(store.StatusError)).Inc()
	}
}

// failSetup ends a battle that never reached a playable state. dir may be nil
// when even the data directory could not be created.
func (m *Manager) failSetup(id string, dir *gamefile.Dir, cause error) {
	res := game.Result{
		Roles: map[string]string{},
		Error: cause.Error(),
	}
	if dir != nil {
		res.PublicLogFile = dir.PublicPath()
	}
	blob, _ := json.Marshal(&res)
	if err := m.st.SaveBattleResult(id, store.StatusError, blob, id); err != nil && !errors.Is(err, store.ErrBadTransition) {
		log.Printf("⚠️ battle %s: save setup failure: %v", id, err)
	}
	metricBattlesTotal.WithLabelValues(string(store.StatusError)).Inc()
	log.Printf("💀 battle %s setup failed: %v", id, cause)
}

// settle hands the ended battle to the rating processor with its public log.
// A nil dir settles on an empty log (setup failed before any file existed).
func (m *Manager) settle(id string, dir *gamefile.Dir) {
	var records []map[string]any
	if dir != nil {
		var err error
		records, err = dir.ReadPublic(0)
		if err != nil {
			log.Printf("⚠️ battle %s: read public log for settlement: %v", id, err)
		}
	}
	if err := m.proc.Process(id, records); err != nil {
		log.Printf("⚠️ battle %s: settlement failed: %v", id, err)
	}
}

// botSources resolves the seven seats to staged-ready source paths.
func (m *Manager) botSources(id string) ([7]string, error) {
	var out [7]string
	players, err := m.st.BattlePlayers(id)
	if err != nil {
		return out, fmt.Errorf("load players: %w", err)
	}
	if len(players) != game.PlayerCount {
		return out, fmt.Errorf("battle %s has %d seats, want %d", id, len(players), game.PlayerCount)
	}
	for _, pl := range players {
		ai, err := m.st.AICode(pl.AICodeID)
		if err != nil {
			return out, fmt.Errorf("resolve ai code %s (seat %d): %w", pl.AICodeID, pl.Position, err)
		}
		out[pl.Position-1] = ai.Path
	}
	return out, nil
}
