package llm

import (
	"errors"
	"strings"
	"testing"
	"time"

	"avalon-arena/internal/config"
	"avalon-arena/internal/gamefile"
)

func newTestBattle(t *testing.T, perRound int) *Battle {
	t.Helper()
	dir, err := gamefile.NewDir(t.TempDir(), "battle-1")
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultLLM()
	cfg.PerRoundCalls = perRound
	// Pool without backends: asks degrade to error strings, which is exactly
	// what quota accounting needs to run without the network.
	return NewBattle("battle-1", NewPool(nil, time.Minute), cfg, dir)
}

func TestAskDegradesWithoutBackends(t *testing.T) {
	b := newTestBattle(t, 3)

	reply, err := b.Ask(1, 0, "who do I trust?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.HasPrefix(reply, "LLM unavailable") {
		t.Errorf("reply = %q, want an unavailability string", reply)
	}
}

func TestAskEnforcesRoundQuota(t *testing.T) {
	b := newTestBattle(t, 2)

	for i := 0; i < 2; i++ {
		if _, err := b.Ask(1, 1, "q"); err != nil {
			t.Fatalf("ask %d: %v", i+1, err)
		}
	}
	if _, err := b.Ask(1, 1, "q"); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("third ask = %v, want ErrQuotaExceeded", err)
	}

	// Quotas are per (player, slot): another slot and another player still work.
	if _, err := b.Ask(1, 2, "q"); err != nil {
		t.Errorf("other slot: %v", err)
	}
	if _, err := b.Ask(2, 1, "q"); err != nil {
		t.Errorf("other player: %v", err)
	}
}

func TestGrantExtraRaisesCeiling(t *testing.T) {
	b := newTestBattle(t, 1)

	if _, err := b.Ask(3, 2, "q"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Ask(3, 2, "q"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}

	b.GrantExtra(2)
	if _, err := b.Ask(3, 2, "q"); err != nil {
		t.Errorf("ask after GrantExtra: %v", err)
	}

	b.GrantExtra(99) // out of range, ignored
}

func TestAskValidatesArguments(t *testing.T) {
	b := newTestBattle(t, 3)
	if _, err := b.Ask(0, 0, "q"); err == nil {
		t.Error("player 0 accepted")
	}
	if _, err := b.Ask(8, 0, "q"); err == nil {
		t.Error("player 8 accepted")
	}
	if _, err := b.Ask(1, gamefile.CallCountSlots, "q"); err == nil {
		t.Error("slot out of range accepted")
	}
}

func TestTokensEventCountsTraffic(t *testing.T) {
	b := newTestBattle(t, 3)

	prompt := "evaluate the proposed team"
	if _, err := b.Ask(2, 0, prompt); err != nil {
		t.Fatal(err)
	}

	tokens := b.TokensEvent()
	if len(tokens) != 7 {
		t.Fatalf("tokens event has %d seats, want 7", len(tokens))
	}
	if tokens[1].Input != len(prompt) || tokens[1].Output == 0 {
		t.Errorf("player 2 tally = %+v", tokens[1])
	}
	if tokens[0].Input != 0 {
		t.Errorf("player 1 tally = %+v, want zero", tokens[0])
	}
}

func TestAskPersistsHistory(t *testing.T) {
	dir, err := gamefile.NewDir(t.TempDir(), "battle-2")
	if err != nil {
		t.Fatal(err)
	}
	b := NewBattle("battle-2", NewPool(nil, time.Minute), config.DefaultLLM(), dir)

	if _, err := b.Ask(4, 0, "first question"); err != nil {
		t.Fatal(err)
	}

	p, err := dir.ReadPrivate(4)
	if err != nil {
		t.Fatal(err)
	}
	// system seed, user prompt, assistant reply
	if len(p.LLMHistory) != 3 {
		t.Fatalf("history length = %d, want 3", len(p.LLMHistory))
	}
	if p.LLMHistory[0].Role != "system" || p.LLMHistory[1].Content != "first question" {
		t.Errorf("history = %+v", p.LLMHistory)
	}
	if p.CallCounts[0] != 1 {
		t.Errorf("call count = %d, want 1", p.CallCounts[0])
	}
}
