package bothost

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"avalon-arena/internal/config"
	"avalon-arena/internal/gamefile"
	"avalon-arena/internal/llm"
)

const wellBehavedBot = `
var Player = {
	idx: 0,
	setPlayerIndex: function(i) { this.idx = i; },
	setRoleType: function(r) { this.role = r; },
	passRoleSight: function(s) {},
	passMap: function(m) { this.map = m; },
	passPositionData: function(p) {},
	passMessage: function(m) {},
	passMissionMembers: function(leader, members) {},
	decideMissionMember: function(n) {
		var team = [];
		for (var i = 1; team.length < n; i++) { team.push(i); }
		return team;
	},
	walk: function() { return ["up"]; },
	say: function() { helper.writeIntoPrivate("spoke"); return "hello"; },
	missionVote1: function() { return true; },
	missionVote2: function() { return true; },
	assass: function() { return (this.idx % 7) + 1; }
};
`

func newTestHost(t *testing.T, callLimit time.Duration, source string) *Host {
	t.Helper()
	dir, err := gamefile.NewDir(t.TempDir(), "battle-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := dir.Init(); err != nil {
		t.Fatal(err)
	}
	llmb := llm.NewBattle("battle-1", llm.NewPool(nil, time.Minute), config.DefaultLLM(), dir)

	h, err := NewHost(t.TempDir(), "battle-1", callLimit, llmb, dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Purge)

	src := filepath.Join(t.TempDir(), "bot.js")
	if err := os.WriteFile(src, []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}
	var paths [7]string
	for i := range paths {
		paths[i] = src
	}
	if err := h.LoadBots(paths); err != nil {
		t.Fatalf("LoadBots: %v", err)
	}
	return h
}

func withContext(h *Host, pos int, fn func(b *Bot) error) error {
	h.SetContext(pos, 0)
	defer h.ClearContext()
	return fn(h.Bot(pos))
}

func TestLoadBotsAndCall(t *testing.T) {
	h := newTestHost(t, time.Second, wellBehavedBot)

	if h.Bot(0) != nil || h.Bot(8) != nil {
		t.Error("out-of-range seats should return nil")
	}

	err := withContext(h, 3, func(b *Bot) error { return b.SetPlayerIndex(3) })
	if err != nil {
		t.Fatalf("setPlayerIndex: %v", err)
	}

	h.SetContext(3, 0)
	defer h.ClearContext()
	target, err := h.Bot(3).Assass()
	if err != nil {
		t.Fatalf("assass: %v", err)
	}
	if target != 4 {
		t.Errorf("assass target = %d, want 4 (idx+1)", target)
	}
}

func TestCallRequiresContext(t *testing.T) {
	h := newTestHost(t, time.Second, wellBehavedBot)

	// No SetContext: the identity invariant must fail, and not as a bot fault.
	err := h.Bot(1).SetPlayerIndex(1)
	if err == nil {
		t.Fatal("expected error without call context")
	}
	var fault *Fault
	if errors.As(err, &fault) {
		t.Errorf("context violation misclassified as bot fault: %v", err)
	}
}

func TestMissingMethodIsRuntimeFault(t *testing.T) {
	h := newTestHost(t, time.Second, `var Player = { setPlayerIndex: function(i) {} };`)

	err := withContext(h, 2, func(b *Bot) error { return b.SetRoleType("Merlin") })
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("got %v, want a Fault", err)
	}
	if fault.Kind != FaultRuntime || fault.Player != 2 || fault.Method != "setRoleType" {
		t.Errorf("fault = %+v", fault)
	}
}

func TestExceptionIsRuntimeFault(t *testing.T) {
	h := newTestHost(t, time.Second, `var Player = {
		say: function() { throw new Error("bot bug"); }
	};`)

	h.SetContext(5, 0)
	defer h.ClearContext()
	_, err := h.Bot(5).Say()

	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("got %v, want a Fault", err)
	}
	if fault.Kind != FaultRuntime || !strings.Contains(fault.Message, "bot bug") {
		t.Errorf("fault = %+v", fault)
	}
	if fault.Stack == "" {
		t.Error("exception fault should carry a stack")
	}
}

func TestBadReturnIsReturnFault(t *testing.T) {
	h := newTestHost(t, time.Second, `var Player = {
		say: function() { return 42; },
		walk: function() { return "up"; },
		missionVote2: function() { return "yes"; },
		decideMissionMember: function(n) { return ["alice"]; }
	};`)

	h.SetContext(1, 0)
	defer h.ClearContext()
	b := h.Bot(1)

	checks := []struct {
		method string
		err    error
	}{
		{"say", func() error { _, err := b.Say(); return err }()},
		{"walk", func() error { _, err := b.Walk(); return err }()},
		{"missionVote2", func() error { _, err := b.MissionVote2(); return err }()},
		{"decideMissionMember", func() error { _, err := b.DecideMissionMember(2); return err }()},
	}
	for _, c := range checks {
		var fault *Fault
		if !errors.As(c.err, &fault) {
			t.Errorf("%s: got %v, want a Fault", c.method, c.err)
			continue
		}
		if fault.Kind != FaultReturn {
			t.Errorf("%s: kind = %s, want %s", c.method, fault.Kind, FaultReturn)
		}
	}
}

func TestDeadlineInterruptsCall(t *testing.T) {
	h := newTestHost(t, 50*time.Millisecond, `var Player = {
		say: function() { while (true) {} }
	};`)

	h.SetContext(1, 0)
	defer h.ClearContext()

	start := time.Now()
	_, err := h.Bot(1).Say()
	elapsed := time.Since(start)

	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("got %v, want a Fault", err)
	}
	if fault.Kind != FaultRuntime || !strings.Contains(fault.Message, "exceeded") {
		t.Errorf("fault = %+v", fault)
	}
	if elapsed > 2*time.Second {
		t.Errorf("interrupt took %v", elapsed)
	}
}

func TestDeadlineDoesNotPoisonNextCall(t *testing.T) {
	h := newTestHost(t, 50*time.Millisecond, `var Player = {
		stalled: false,
		say: function() {
			if (!this.stalled) { this.stalled = true; while (true) {} }
			return "recovered";
		}
	};`)

	h.SetContext(2, 0)
	defer h.ClearContext()

	_, err := h.Bot(2).Say()
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("got %v, want a Fault", err)
	}

	// The interrupt from the first call must not leak into the next one.
	reply, err := h.Bot(2).Say()
	if err != nil {
		t.Fatalf("call after deadline fault: %v", err)
	}
	if reply != "recovered" {
		t.Errorf("reply = %q, want recovered", reply)
	}
}

func TestEvalIsDisabled(t *testing.T) {
	h := newTestHost(t, time.Second, `var Player = {
		say: function() { return eval("1+1").toString(); }
	};`)

	h.SetContext(1, 0)
	defer h.ClearContext()
	_, err := h.Bot(1).Say()

	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultRuntime {
		t.Errorf("eval call should fault, got %v", err)
	}
}

func TestLoadBotsRejectsMissingPlayer(t *testing.T) {
	dir, err := gamefile.NewDir(t.TempDir(), "battle-2")
	if err != nil {
		t.Fatal(err)
	}
	llmb := llm.NewBattle("battle-2", llm.NewPool(nil, time.Minute), config.DefaultLLM(), dir)
	h, err := NewHost(t.TempDir(), "battle-2", time.Second, llmb, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Purge()

	src := filepath.Join(t.TempDir(), "bad.js")
	os.WriteFile(src, []byte(`var notPlayer = 1;`), 0o644)
	var paths [7]string
	for i := range paths {
		paths[i] = src
	}
	if err := h.LoadBots(paths); err == nil {
		t.Error("expected error for source without a Player object")
	}
}

func TestHelperRoundTrip(t *testing.T) {
	h := newTestHost(t, time.Second, `var Player = {
		say: function() {
			helper.writeIntoPrivate("note one");
			var logs = helper.readPrivateLib();
			return "count:" + logs.length;
		}
	};`)

	h.SetContext(4, 0)
	defer h.ClearContext()
	reply, err := h.Bot(4).Say()
	if err != nil {
		t.Fatalf("say: %v", err)
	}
	if reply != "count:1" {
		t.Errorf("reply = %q, want count:1", reply)
	}
}

func TestAskLLMQuotaAbortsBot(t *testing.T) {
	h := newTestHost(t, time.Second, `var Player = {
		say: function() {
			for (var i = 0; i < 10; i++) { helper.askLLM("q"); }
			return "done";
		}
	};`)

	h.SetContext(6, 0)
	defer h.ClearContext()
	_, err := h.Bot(6).Say()

	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("got %v, want a Fault", err)
	}
	if fault.Kind != FaultRuntime || !strings.Contains(fault.Message, "quota") {
		t.Errorf("fault = %+v", fault)
	}
}
