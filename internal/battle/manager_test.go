package battle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"avalon-arena/internal/config"
	"avalon-arena/internal/llm"
	"avalon-arena/internal/rating"
	"avalon-arena/internal/store"
)

const testBot = `
var Player = {
	idx: 0,
	setPlayerIndex: function(i) { this.idx = i; },
	setRoleType: function(r) {},
	passRoleSight: function(s) {},
	passMap: function(m) {},
	passPositionData: function(p) {},
	passMessage: function(m) {},
	passMissionMembers: function(leader, members) {},
	decideMissionMember: function(n) {
		var team = [];
		for (var i = 1; team.length < n; i++) { team.push(i); }
		return team;
	},
	walk: function() { return []; },
	say: function() { return "hi"; },
	missionVote1: function() { return true; },
	missionVote2: function() { return true; },
	assass: function() { return (this.idx % 7) + 1; }
};
`

type managerFixture struct {
	st  *store.Memory
	mgr *Manager
}

// newFixture seeds seven bots on ladder 1 and wires an unstarted manager.
func newFixture(t *testing.T, queueSize int) (*managerFixture, []store.Participant) {
	t.Helper()

	botPath := filepath.Join(t.TempDir(), "bot.js")
	if err := os.WriteFile(botPath, []byte(testBot), 0o644); err != nil {
		t.Fatal(err)
	}

	st := store.NewMemory()
	participants := make([]store.Participant, 7)
	for i := range participants {
		user := fmt.Sprintf("user%d", i+1)
		ai, err := st.SeedBot(1, user, "bot", botPath)
		if err != nil {
			t.Fatal(err)
		}
		participants[i] = store.Participant{UserID: user, AICodeID: ai.ID, Position: i + 1}
	}

	cfg := config.AppConfig{
		Server:    config.DefaultServer(),
		Battle:    config.DefaultBattle(),
		LLM:       config.DefaultLLM(),
		Automatch: config.DefaultAutomatch(),
		Files: config.FilesConfig{
			DataDir:   t.TempDir(),
			ModuleDir: t.TempDir(),
		},
	}
	cfg.Battle.QueueSize = queueSize
	cfg.Battle.MinWorkers = 1
	cfg.Battle.StatusCheck = 50 * time.Millisecond

	llmPool := llm.NewPool(nil, time.Minute)
	proc := rating.NewProcessor(st, rating.NewLadders())
	mgr := NewManager(cfg, st, llmPool, proc)
	return &managerFixture{st: st, mgr: mgr}, participants
}

func waitTerminal(t *testing.T, st store.Store, id string, timeout time.Duration) *store.Battle {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b, err := st.Battle(id)
		if err != nil {
			t.Fatal(err)
		}
		if b.Status.Terminal() {
			return b
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("battle %s never reached a terminal status", id)
	return nil
}

func waitSettled(t *testing.T, st store.Store, id string, timeout time.Duration) []*store.BattlePlayer {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		players, err := st.BattlePlayers(id)
		if err != nil {
			t.Fatal(err)
		}
		if players[0].Outcome != "" {
			return players
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("battle %s never settled", id)
	return nil
}

func TestSubmitQueueFull(t *testing.T) {
	fix, participants := newFixture(t, 1)

	// No workers running: the first submit fills the queue.
	id1, err := fix.mgr.Submit(1, "custom", false, participants)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if fix.mgr.QueueDepth() != 1 {
		t.Errorf("queue depth = %d, want 1", fix.mgr.QueueDepth())
	}

	_, err = fix.mgr.Submit(1, "custom", false, participants)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second submit = %v, want ErrQueueFull", err)
	}

	// The overflow battle must not be left dangling in waiting.
	battles, _ := fix.st.RecentBattles(10)
	overflowSeen := false
	for _, b := range battles {
		if b.ID != id1 && b.Status == store.StatusCancelled {
			overflowSeen = true
		}
	}
	if !overflowSeen {
		t.Error("overflow battle was not cancelled")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	fix, participants := newFixture(t, 10)
	id, err := fix.mgr.Submit(1, "custom", false, participants)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := fix.mgr.Cancel(id, "operator")
	if err != nil || !ok {
		t.Fatalf("cancel = %v, %v", ok, err)
	}
	ok, err = fix.mgr.Cancel(id, "operator")
	if err != nil || ok {
		t.Errorf("second cancel = %v, %v; want false, nil", ok, err)
	}

	if _, err := fix.mgr.Cancel("missing", "operator"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cancel unknown battle = %v, want ErrNotFound", err)
	}
}

func TestRunBattleEndToEnd(t *testing.T) {
	fix, participants := newFixture(t, 10)
	fix.mgr.Start()
	defer fix.mgr.Stop()

	id, err := fix.mgr.Submit(1, "custom", false, participants)
	if err != nil {
		t.Fatal(err)
	}

	b := waitTerminal(t, fix.st, id, 30*time.Second)
	if b.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed (results: %s)", b.Status, b.Results)
	}
	if len(b.Results) == 0 {
		t.Error("completed battle has no result blob")
	}

	players := waitSettled(t, fix.st, id, 10*time.Second)
	wins, losses := 0, 0
	for _, pl := range players {
		switch pl.Outcome {
		case rating.OutcomeWin:
			wins++
		case rating.OutcomeLoss:
			losses++
		}
	}
	if wins+losses != 7 || (wins != 3 && wins != 4) {
		t.Errorf("outcomes: %d wins, %d losses", wins, losses)
	}

	// Settlement created a stats row per seat.
	rows, _ := fix.st.Leaderboard(1, 10)
	if len(rows) != 7 {
		t.Errorf("leaderboard has %d rows, want 7", len(rows))
	}
}

func TestCancelledWhileQueuedSettles(t *testing.T) {
	fix, participants := newFixture(t, 10)

	id, err := fix.mgr.Submit(1, "custom", false, participants)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fix.mgr.Cancel(id, "operator"); err != nil {
		t.Fatal(err)
	}

	// The worker that picks it up must settle the seats without running a game.
	fix.mgr.Start()
	defer fix.mgr.Stop()

	players := waitSettled(t, fix.st, id, 10*time.Second)
	for _, pl := range players {
		if pl.Outcome != rating.OutcomeCancelled || pl.EloChange != 0 {
			t.Errorf("seat %d: outcome %q change %+d, want cancelled 0", pl.Position, pl.Outcome, pl.EloChange)
		}
	}
}

func TestSetupFailureSettles(t *testing.T) {
	fix, participants := newFixture(t, 10)

	// A regular file where the data dir belongs makes every per-battle
	// directory creation fail before the game can start.
	badDir := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(badDir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	fix.mgr.cfg.Files.DataDir = badDir

	fix.mgr.Start()
	defer fix.mgr.Stop()

	id, err := fix.mgr.Submit(1, "custom", false, participants)
	if err != nil {
		t.Fatal(err)
	}

	b := waitTerminal(t, fix.st, id, 10*time.Second)
	if b.Status != store.StatusError {
		t.Fatalf("status = %s, want error", b.Status)
	}

	// No player attribution exists, so every seat settles as a draw.
	players := waitSettled(t, fix.st, id, 10*time.Second)
	for _, pl := range players {
		if pl.Outcome != rating.OutcomeDraw || pl.EloChange != 0 {
			t.Errorf("seat %d: outcome %q change %+d, want draw 0", pl.Position, pl.Outcome, pl.EloChange)
		}
	}
}

func TestMaxWorkersResolution(t *testing.T) {
	cfg := config.DefaultBattle()
	cfg.MaxWorkers = 8
	if got := maxWorkers(cfg); got != 8 {
		t.Errorf("explicit cap = %d, want 8", got)
	}

	cfg.MaxWorkers = 0
	cfg.MinWorkers = 4
	got := maxWorkers(cfg)
	if got < cfg.MinWorkers || got > 192 {
		t.Errorf("derived cap = %d, want within [%d, 192]", got, cfg.MinWorkers)
	}
}
