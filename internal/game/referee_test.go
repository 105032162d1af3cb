package game

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"avalon-arena/internal/bothost"
	"avalon-arena/internal/config"
	"avalon-arena/internal/gamefile"
	"avalon-arena/internal/llm"
	"avalon-arena/internal/observer"
	"avalon-arena/internal/store"
)

// cooperativeBot plays a legal full game: approves every team, passes every
// mission, never moves, and assassinates its right-hand neighbor.
const cooperativeBot = `
var Player = {
	idx: 0,
	setPlayerIndex: function(i) { this.idx = i; },
	setRoleType: function(r) { this.role = r; },
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
	say: function() { return "player " + this.idx + " reporting"; },
	missionVote1: function() { return true; },
	missionVote2: function() { return true; },
	assass: function() { return (this.idx % 7) + 1; }
};
`

type refereeStack struct {
	st       *store.Memory
	battleID string
	dir      *gamefile.Dir
	referee  *Referee
}

func newRefereeStack(t *testing.T, source string, seed int64) *refereeStack {
	t.Helper()
	return newRefereeStackLLM(t, source, seed, config.DefaultLLM())
}

func newRefereeStackLLM(t *testing.T, source string, seed int64, llmCfg config.LLMConfig) *refereeStack {
	t.Helper()

	st := store.NewMemory()
	participants := make([]store.Participant, 7)
	for i := range participants {
		participants[i] = store.Participant{
			UserID:   fmt.Sprintf("user%d", i+1),
			AICodeID: fmt.Sprintf("ai%d", i+1),
			Position: i + 1,
		}
	}
	b, err := st.CreateBattle(1, "custom", false, participants)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetBattleStatus(b.ID, store.StatusPlaying); err != nil {
		t.Fatal(err)
	}

	dir, err := gamefile.NewDir(t.TempDir(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	ob, err := observer.New(b.ID, dir)
	if err != nil {
		t.Fatal(err)
	}
	llmb := llm.NewBattle(b.ID, llm.NewPool(nil, time.Minute), llmCfg, dir)

	host, err := bothost.NewHost(t.TempDir(), b.ID, 2*time.Second, llmb, dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(host.Purge)

	src := filepath.Join(t.TempDir(), "bot.js")
	if err := os.WriteFile(src, []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}
	var paths [7]string
	for i := range paths {
		paths[i] = src
	}
	if err := host.LoadBots(paths); err != nil {
		t.Fatalf("LoadBots: %v", err)
	}

	ref := NewReferee(Config{
		BattleID: b.ID,
		Files:    dir,
		Observer: ob,
		Host:     host,
		LLM:      llmb,
		Checker:  NewStatusChecker(st, b.ID, time.Minute),
		Rng:      rand.New(rand.NewSource(seed)),
	})
	return &refereeStack{st: st, battleID: b.ID, dir: dir, referee: ref}
}

func hasEvent(records []map[string]any, eventType string) bool {
	for _, rec := range records {
		if typ, _ := rec["type"].(string); typ == eventType {
			return true
		}
	}
	return false
}

func TestRunGameCooperative(t *testing.T) {
	stack := newRefereeStack(t, cooperativeBot, 7)

	res, err := stack.referee.RunGame()
	if err != nil {
		t.Fatalf("RunGame: %v", err)
	}

	// All missions pass, so blue sweeps three rounds and the game resolves by
	// assassination.
	if res.BlueWins != 3 || res.RedWins != 0 {
		t.Errorf("score %d-%d, want 3-0", res.BlueWins, res.RedWins)
	}
	if res.RoundsPlayed != 3 {
		t.Errorf("rounds played = %d, want 3", res.RoundsPlayed)
	}
	if res.Winner != TeamBlue && res.Winner != TeamRed {
		t.Errorf("winner = %q", res.Winner)
	}
	if res.WinReason != WinAssassinationSuccess && res.WinReason != WinAssassinationFailed {
		t.Errorf("win reason = %q", res.WinReason)
	}
	if res.Winner == TeamRed && res.WinReason != WinAssassinationSuccess {
		t.Errorf("red win must come from assassination, got %q", res.WinReason)
	}
	if len(res.Roles) != PlayerCount {
		t.Errorf("result names %d roles, want %d", len(res.Roles), PlayerCount)
	}

	records, err := stack.dir.ReadPublic(0)
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range []string{
		observer.EvGameStart, observer.EvRoundStart, observer.EvTeamPropose,
		observer.EvPublicVote, observer.EvMissionResult, observer.EvAssass,
		observer.EvTokens, observer.EvGameResult, observer.EvGameEnd,
	} {
		if !hasEvent(records, ev) {
			t.Errorf("public log missing %s", ev)
		}
	}
	// Night sights and role assignments never reach the public log.
	if hasEvent(records, observer.EvRoleAssign) {
		t.Error("role assignment leaked into the public log")
	}
}

func TestRunGameDeterministicForSeed(t *testing.T) {
	a, err := newRefereeStack(t, cooperativeBot, 99).referee.RunGame()
	if err != nil {
		t.Fatal(err)
	}
	b, err := newRefereeStack(t, cooperativeBot, 99).referee.RunGame()
	if err != nil {
		t.Fatal(err)
	}
	if a.Winner != b.Winner || a.WinReason != b.WinReason {
		t.Errorf("same seed diverged: %s/%s vs %s/%s", a.Winner, a.WinReason, b.Winner, b.WinReason)
	}
	for seat, role := range a.Roles {
		if b.Roles[seat] != role {
			t.Errorf("seat %s role %s vs %s", seat, role, b.Roles[seat])
		}
	}
}

func TestRunGameReturnFault(t *testing.T) {
	// Seat 4 returns four moves; the walk limit is three.
	faultyBot := `
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
	walk: function() {
		if (this.idx === 4) { return ["up", "up", "up", "up"]; }
		return [];
	},
	say: function() { return "ok"; },
	missionVote1: function() { return true; },
	missionVote2: function() { return true; },
	assass: function() { return (this.idx % 7) + 1; }
};
`
	stack := newRefereeStack(t, faultyBot, 3)

	res, err := stack.referee.RunGame()
	var fault *bothost.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("RunGame error = %v, want a Fault", err)
	}
	if fault.Player != 4 || fault.Kind != bothost.FaultReturn || fault.Method != "walk" {
		t.Errorf("fault = %+v", fault)
	}
	if res.Error == "" {
		t.Error("result should carry the error message")
	}
	if res.Winner != "" {
		t.Errorf("faulted game has winner %q", res.Winner)
	}

	// The suspension wrote tokens plus the structured error event.
	records, _ := stack.dir.ReadPublic(0)
	if !hasEvent(records, observer.EvTokens) {
		t.Error("public log missing the tokens event")
	}
	found := false
	for _, rec := range records {
		if typ, _ := rec["type"].(string); typ != observer.EvPlayerReturnErr {
			continue
		}
		found = true
		if pid, _ := rec["error_code_pid"].(float64); pid != 4 {
			t.Errorf("error_code_pid = %v, want 4", rec["error_code_pid"])
		}
		if m, _ := rec["error_code_method"].(string); m != "walk" {
			t.Errorf("error_code_method = %q, want walk", m)
		}
	}
	if !found {
		t.Error("public log missing the player_return_ERROR event")
	}
}

func TestRunGameObservesTermination(t *testing.T) {
	stack := newRefereeStack(t, cooperativeBot, 5)
	// Zero interval makes every phase-boundary check hit the store.
	stack.referee.cfg.Checker = NewStatusChecker(stack.st, stack.battleID, 0)

	if _, err := stack.st.MarkBattleCancelled(stack.battleID, []byte(`{"reason":"system"}`)); err != nil {
		t.Fatal(err)
	}

	res, err := stack.referee.RunGame()
	if err != nil {
		t.Fatalf("termination is not an error: %v", err)
	}
	if res.WinReason != WinTerminated || res.Winner != "" {
		t.Errorf("result = %+v, want terminated with no winner", res)
	}

	records, _ := stack.dir.ReadPublic(0)
	if !hasEvent(records, observer.EvGameTerminated) {
		t.Error("public log missing the game_terminated event")
	}
}

func TestProposalAnnouncedBeforeBallot(t *testing.T) {
	// Votes only after receiving the proposal; a ballot without a preceding
	// passMissionMembers throws and would fail the game.
	botSource := `
var Player = {
	idx: 0,
	team: null,
	setPlayerIndex: function(i) { this.idx = i; },
	setRoleType: function(r) {},
	passRoleSight: function(s) {},
	passMap: function(m) {},
	passPositionData: function(p) {},
	passMessage: function(m) {},
	passMissionMembers: function(leader, members) { this.team = members; },
	decideMissionMember: function(n) {
		var team = [];
		for (var i = 1; team.length < n; i++) { team.push(i); }
		return team;
	},
	walk: function() { return []; },
	say: function() { return "ok"; },
	missionVote1: function() {
		if (this.team === null) { throw new Error("ballot before proposal"); }
		this.team = null;
		return true;
	},
	missionVote2: function() { return true; },
	assass: function() { return (this.idx % 7) + 1; }
};
`
	stack := newRefereeStack(t, botSource, 11)
	res, err := stack.referee.RunGame()
	if err != nil {
		t.Fatalf("RunGame: %v", err)
	}
	if res.BlueWins != 3 {
		t.Errorf("blue wins = %d, want 3", res.BlueWins)
	}
}

func TestFifthRejectionGrantsBudgetAndRotatesLeader(t *testing.T) {
	// Rejects every ballot and spends the full ask budget on each one. With a
	// budget of one per round, only a grant after the fifth rejection leaves
	// room for the ask inside the forced execution vote.
	botSource := `
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
	say: function() { return "ok"; },
	missionVote1: function() { helper.askLLM("advice"); return false; },
	missionVote2: function() { helper.askLLM("advice"); return true; },
	assass: function() { return (this.idx % 7) + 1; }
};
`
	llmCfg := config.DefaultLLM()
	llmCfg.PerRoundCalls = 1

	stack := newRefereeStackLLM(t, botSource, 13, llmCfg)
	res, err := stack.referee.RunGame()
	if err != nil {
		t.Fatalf("RunGame: %v", err)
	}
	if res.BlueWins != 3 {
		t.Errorf("blue wins = %d, want 3", res.BlueWins)
	}

	records, err := stack.dir.ReadPublic(0)
	if err != nil {
		t.Fatal(err)
	}
	firstLeader := func(round int) int {
		for _, rec := range records {
			typ, _ := rec["type"].(string)
			rn, _ := rec["round"].(float64)
			if typ == observer.EvLeader && int(rn) == round {
				leader, _ := rec["leader"].(float64)
				return int(leader)
			}
		}
		return 0
	}
	ballots := 0
	for _, rec := range records {
		typ, _ := rec["type"].(string)
		rn, _ := rec["round"].(float64)
		if typ == observer.EvLeader && int(rn) == 1 {
			ballots++
		}
	}
	if ballots != 5 {
		t.Fatalf("round 1 held %d ballots, want 5", ballots)
	}

	// Five rejections plus the round-end rotation put the next round's leader
	// six seats past the round's first leader.
	l1, l2 := firstLeader(1), firstLeader(2)
	if l1 == 0 || l2 == 0 {
		t.Fatal("leader events missing from the public log")
	}
	if want := (l1-1+6)%PlayerCount + 1; l2 != want {
		t.Errorf("round 2 leader = %d, want %d (round 1 started at %d)", l2, want, l1)
	}
}

func TestStatusCheckerCachesVerdict(t *testing.T) {
	st := store.NewMemory()
	participants := make([]store.Participant, 7)
	for i := range participants {
		participants[i] = store.Participant{UserID: fmt.Sprintf("u%d", i+1), AICodeID: "ai", Position: i + 1}
	}
	b, _ := st.CreateBattle(1, "custom", false, participants)
	st.SetBattleStatus(b.ID, store.StatusPlaying)

	c := NewStatusChecker(st, b.ID, time.Hour)
	if err := c.Check(); err != nil {
		t.Fatalf("first check: %v", err)
	}

	st.MarkBattleCancelled(b.ID, nil)
	// Within the interval the cached verdict stands.
	if err := c.Check(); err != nil {
		t.Errorf("cached check = %v, want nil", err)
	}

	fresh := NewStatusChecker(st, b.ID, 0)
	if err := fresh.Check(); !errors.Is(err, ErrTerminated) {
		t.Errorf("fresh check = %v, want ErrTerminated", err)
	}
}

func TestOrderFromLeader(t *testing.T) {
	r := &Referee{leader: 6}
	got := r.orderFromLeader()
	want := []int{6, 7, 1, 2, 3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestMethodEventName(t *testing.T) {
	cases := map[string]string{
		"decideMissionMember": "decide_mission_member",
		"missionVote1":        "mission_vote1",
		"missionVote2":        "mission_vote2",
		"walk":                "walk",
		"say":                 "say",
		"askLLM":              "ask_llm",
	}
	for in, want := range cases {
		if got := methodEventName(in); got != want {
			t.Errorf("methodEventName(%s) = %s, want %s", in, got, want)
		}
	}
}
