package store

import (
	"fmt"
	"testing"
)

func testParticipants() []Participant {
	out := make([]Participant, 7)
	for i := range out {
		out[i] = Participant{
			UserID:   fmt.Sprintf("user%d", i+1),
			AICodeID: fmt.Sprintf("ai%d", i+1),
			Position: i + 1,
		}
	}
	return out
}

func TestCreateBattleRequiresSevenSeats(t *testing.T) {
	m := NewMemory()
	if _, err := m.CreateBattle(1, "custom", false, testParticipants()[:5]); err == nil {
		t.Error("expected error for 5 participants")
	}
}

func TestCreateBattleSnapshotsElo(t *testing.T) {
	m := NewMemory()
	if _, err := m.SeedBot(1, "user1", "bot", "/bots/bot.js"); err != nil {
		t.Fatal(err)
	}
	m.stats[statsKey("user1", 1)].Elo = 1500

	b, err := m.CreateBattle(1, "custom", false, testParticipants())
	if err != nil {
		t.Fatal(err)
	}
	players, _ := m.BattlePlayers(b.ID)
	if players[0].UserID != "user1" || players[0].InitialElo != 1500 {
		t.Errorf("seat 1 snapshot = %+v, want elo 1500", players[0])
	}
	if players[1].InitialElo != DefaultElo {
		t.Errorf("seat 2 snapshot = %d, want default %d", players[1].InitialElo, DefaultElo)
	}
}

func TestStatusTransitions(t *testing.T) {
	m := NewMemory()
	b, _ := m.CreateBattle(1, "custom", false, testParticipants())

	if err := m.SetBattleStatus(b.ID, StatusPlaying); err != nil {
		t.Fatalf("waiting -> playing: %v", err)
	}
	got, _ := m.Battle(b.ID)
	if got.StartedAt == nil {
		t.Error("entering playing should stamp StartedAt")
	}

	if err := m.SetBattleStatus(b.ID, StatusCompleted); err != nil {
		t.Fatalf("playing -> completed: %v", err)
	}
	got, _ = m.Battle(b.ID)
	if got.EndedAt == nil {
		t.Error("terminal status should stamp EndedAt")
	}

	if err := m.SetBattleStatus(b.ID, StatusPlaying); err != ErrBadTransition {
		t.Errorf("completed -> playing = %v, want ErrBadTransition", err)
	}
	// Setting the same terminal status again is tolerated.
	if err := m.SetBattleStatus(b.ID, StatusCompleted); err != nil {
		t.Errorf("completed -> completed = %v, want nil", err)
	}

	if err := m.SetBattleStatus("missing", StatusPlaying); err != ErrNotFound {
		t.Errorf("unknown battle = %v, want ErrNotFound", err)
	}
}

func TestMarkBattleCancelled(t *testing.T) {
	m := NewMemory()
	b, _ := m.CreateBattle(1, "custom", false, testParticipants())

	ok, err := m.MarkBattleCancelled(b.ID, []byte(`{"reason":"operator"}`))
	if err != nil || !ok {
		t.Fatalf("cancel = %v, %v; want true, nil", ok, err)
	}
	got, _ := m.Battle(b.ID)
	if got.Status != StatusCancelled || string(got.Results) != `{"reason":"operator"}` {
		t.Errorf("battle after cancel = %+v", got)
	}

	// Already terminal: no error, not cancelled again.
	ok, err = m.MarkBattleCancelled(b.ID, []byte(`{"reason":"again"}`))
	if err != nil || ok {
		t.Errorf("second cancel = %v, %v; want false, nil", ok, err)
	}
	got, _ = m.Battle(b.ID)
	if string(got.Results) != `{"reason":"operator"}` {
		t.Error("second cancel must not overwrite the reason")
	}
}

func TestApplyBattleOutcome(t *testing.T) {
	m := NewMemory()
	b, _ := m.CreateBattle(1, "custom", false, testParticipants())
	m.SetBattleStatus(b.ID, StatusPlaying)
	m.SaveBattleResult(b.ID, StatusCompleted, []byte(`{"winner":"blue"}`), "log-9")

	cur, _ := m.Battle(b.ID)
	players, _ := m.BattlePlayers(b.ID)
	players[0].Outcome = "win"
	players[0].EloChange = 40

	gs, _ := m.CreateGameStats("user1", 1)
	gs.Elo = 1240
	gs.GamesPlayed = 1
	gs.Wins = 1

	if err := m.ApplyBattleOutcome(cur, players, []*GameStats{gs}); err != nil {
		t.Fatalf("ApplyBattleOutcome: %v", err)
	}

	players, _ = m.BattlePlayers(b.ID)
	if players[0].Outcome != "win" || players[0].EloChange != 40 {
		t.Errorf("seat 1 after apply = %+v", players[0])
	}
	got, _ := m.GameStats("user1", 1)
	if got.Elo != 1240 || got.Wins != 1 {
		t.Errorf("stats after apply = %+v", got)
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	m := NewMemory()
	for i, elo := range []int{1300, 1100, 1500} {
		user := fmt.Sprintf("user%d", i+1)
		m.SeedBot(1, user, "bot", "/bots/bot.js")
		m.stats[statsKey(user, 1)].Elo = elo
	}
	m.SeedBot(2, "other", "bot", "/bots/bot.js")

	rows, err := m.Leaderboard(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("leaderboard has %d rows, want 3", len(rows))
	}
	if rows[0].UserID != "user3" || rows[1].UserID != "user1" || rows[2].UserID != "user2" {
		t.Errorf("order = %s, %s, %s", rows[0].UserID, rows[1].UserID, rows[2].UserID)
	}

	rows, _ = m.Leaderboard(1, 2)
	if len(rows) != 2 {
		t.Errorf("limit 2 returned %d rows", len(rows))
	}
}

func TestActiveAICodesFiltersByLadder(t *testing.T) {
	m := NewMemory()
	m.SeedBot(1, "user1", "alpha", "/bots/a.js")
	m.SeedBot(1, "user2", "beta", "/bots/b.js")
	m.SeedBot(2, "user3", "gamma", "/bots/c.js")

	codes, err := m.ActiveAICodes(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(codes) != 2 {
		t.Fatalf("got %d codes, want 2", len(codes))
	}
	for _, ai := range codes {
		if ai.UserID == "user3" {
			t.Error("ladder 2 bot leaked into ladder 1 roster")
		}
	}
}

func TestRecentBattlesOnlyEnded(t *testing.T) {
	m := NewMemory()
	b1, _ := m.CreateBattle(1, "custom", false, testParticipants())
	b2, _ := m.CreateBattle(1, "custom", false, testParticipants())
	m.SetBattleStatus(b2.ID, StatusPlaying)
	m.SaveBattleResult(b2.ID, StatusCompleted, nil, "")

	rows, err := m.RecentBattles(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != b2.ID {
		t.Errorf("recent = %v, want only %s (not %s)", rows, b2.ID, b1.ID)
	}
}
