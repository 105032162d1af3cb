package automatch

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"avalon-arena/internal/battle"
	"avalon-arena/internal/config"
	"avalon-arena/internal/store"
)

// Manager owns the per-leaderboard scheduler instances.
type Manager struct {
	cfg config.AutomatchConfig
	st  store.Store
	mgr *battle.Manager

	mu        sync.Mutex
	instances map[int]*Instance
}

// NewManager builds an empty registry.
func NewManager(cfg config.AutomatchConfig, st store.Store, mgr *battle.Manager) *Manager {
	return &Manager{
		cfg:       cfg,
		st:        st,
		mgr:       mgr,
		instances: make(map[int]*Instance),
	}
}

// Start launches (or restarts) the scheduler for a leaderboard. Starting an
// already-running leaderboard is a no-op.
func (m *Manager) Start(rankingID int) error {
	if rankingID <= 0 {
		return fmt.Errorf("automatch: invalid leaderboard id %d", rankingID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[rankingID]; ok && inst.Stats().Running {
		return nil
	}
	inst := NewInstance(rankingID, m.cfg, m.st, m.mgr)
	m.instances[rankingID] = inst
	inst.Start()
	return nil
}

// Stop halts the scheduler without touching its in-flight battles.
func (m *Manager) Stop(rankingID int) error {
	m.mu.Lock()
	inst, ok := m.instances[rankingID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("automatch: leaderboard %d not managed", rankingID)
	}
	inst.Stop()
	return nil
}

// Terminate halts the scheduler and cancels its in-flight battles.
func (m *Manager) Terminate(rankingID int) error {
	m.mu.Lock()
	inst, ok := m.instances[rankingID]
	delete(m.instances, rankingID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("automatch: leaderboard %d not managed", rankingID)
	}
	inst.Terminate()
	return nil
}

// TerminateAll tears down every instance; called on shutdown.
func (m *Manager) TerminateAll() {
	m.mu.Lock()
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.instances = make(map[int]*Instance)
	m.mu.Unlock()

	for _, inst := range insts {
		inst.Terminate()
	}
	log.Printf("✅ automatch: all instances terminated")
}

// ManageSet reconciles the running set against the desired leaderboard ids:
// missing ones start, extra ones terminate.
func (m *Manager) ManageSet(rankingIDs []int) {
	want := make(map[int]bool, len(rankingIDs))
	for _, id := range rankingIDs {
		want[id] = true
	}

	m.mu.Lock()
	var toStop []int
	for id := range m.instances {
		if !want[id] {
			toStop = append(toStop, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toStop {
		if err := m.Terminate(id); err != nil {
			log.Printf("⚠️ automatch: terminate %d: %v", id, err)
		}
	}
	for id := range want {
		if err := m.Start(id); err != nil {
			log.Printf("⚠️ automatch: start %d: %v", id, err)
		}
	}
}

// ResetStats zeroes the counters of one instance.
func (m *Manager) ResetStats(rankingID int) error {
	m.mu.Lock()
	inst, ok := m.instances[rankingID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("automatch: leaderboard %d not managed", rankingID)
	}
	inst.ResetStats()
	return nil
}

// Statuses returns all instances' counters, sorted by leaderboard id.
func (m *Manager) Statuses() []Stats {
	m.mu.Lock()
	out := make([]Stats, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.Stats())
	}
	m.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].RankingID < out[b].RankingID })
	return out
}
