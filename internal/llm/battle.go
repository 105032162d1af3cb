package llm

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"avalon-arena/internal/config"
	"avalon-arena/internal/gamefile"
)

// ErrQuotaExceeded is a fatal bot fault: the per-round ask budget ran out.
var ErrQuotaExceeded = errors.New("llm: per-round call quota exceeded")

// initPrompt seeds every bot's conversation before its first ask.
const initPrompt = "You are assisting a player in a 7-player hidden-role game of Avalon " +
	"played on a 9x9 grid. Blue holds Merlin, Percival and two Knights; red holds " +
	"Morgana, the Assassin and Oberon. Answer concisely and only with information " +
	"the player could legitimately reason about."

// TokenTally is the repo's cost proxy: prompt and response lengths.
type TokenTally struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Battle is the per-battle ask interface handed to the sandbox. It enforces
// the per-(player, round) call ceiling, persists chat history in the player's
// private file, and accumulates token counts for the end-of-game tokens event.
type Battle struct {
	battleID string
	pool     *Pool
	cfg      config.LLMConfig
	httpc    *http.Client
	dir      *gamefile.Dir

	mu      sync.Mutex
	tokens  [7]TokenTally
	extra   [gamefile.CallCountSlots]int // rejection-granted budget, shared per slot
	handles map[string]struct{}
}

// NewBattle binds the shared pool to one battle's files.
func NewBattle(battleID string, pool *Pool, cfg config.LLMConfig, dir *gamefile.Dir) *Battle {
	return &Battle{
		battleID: battleID,
		pool:     pool,
		cfg:      cfg,
		httpc:    &http.Client{Timeout: cfg.CallTimeout + 5*time.Second},
		dir:      dir,
		handles:  make(map[string]struct{}),
	}
}

// Ask runs one chat completion for the player. slot is 0 for the night phase
// and r for mission round r. A non-nil error is a fatal bot fault (quota);
// transport and backend failures come back as a descriptive reply string so
// bot code can handle them.
func (b *Battle) Ask(player, slot int, prompt string) (string, error) {
	if player < 1 || player > 7 {
		return "", fmt.Errorf("llm: player %d out of range", player)
	}
	if slot < 0 || slot >= gamefile.CallCountSlots {
		return "", fmt.Errorf("llm: round slot %d out of range", slot)
	}

	ceiling := b.ceiling(slot)
	overQuota := false
	var history []gamefile.ChatMessage

	err := b.dir.UpdatePrivate(player, func(p *gamefile.Private) error {
		if p.CallCounts[slot] >= ceiling {
			overQuota = true
			return nil
		}
		p.CallCounts[slot]++
		if len(p.LLMHistory) == 0 {
			p.LLMHistory = append(p.LLMHistory, gamefile.ChatMessage{Role: "system", Content: initPrompt})
		}
		p.LLMHistory = append(p.LLMHistory, gamefile.ChatMessage{Role: "user", Content: prompt})
		history = append(history, p.LLMHistory...)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("llm: private file: %w", err)
	}
	if overQuota {
		return "", fmt.Errorf("%w: player %d round slot %d (limit %d)", ErrQuotaExceeded, player, slot, ceiling)
	}

	backend, handle, err := b.pool.Acquire()
	if err != nil {
		// No backends configured: bots get a string they can cope with.
		return "LLM unavailable: " + err.Error(), nil
	}
	b.trackHandle(handle, true)
	defer func() {
		b.pool.Release(handle)
		b.trackHandle(handle, false)
	}()

	start := time.Now()
	reply, callErr := chat(b.httpc, b.cfg, backend, history)
	observeCall(time.Since(start), callErr == nil)
	if callErr != nil {
		log.Printf("⚠️ [%s] LLM call failed for player %d: %v", b.battleID, player, callErr)
		reply = "LLM error: " + callErr.Error()
	}

	b.mu.Lock()
	b.tokens[player-1].Input += len(prompt)
	b.tokens[player-1].Output += len(reply)
	b.mu.Unlock()

	if err := b.dir.UpdatePrivate(player, func(p *gamefile.Private) error {
		p.LLMHistory = append(p.LLMHistory, gamefile.ChatMessage{Role: "assistant", Content: reply})
		return nil
	}); err != nil {
		log.Printf("⚠️ [%s] failed to persist LLM reply for player %d: %v", b.battleID, player, err)
	}

	return reply, nil
}

func (b *Battle) trackHandle(handle string, held bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if held {
		b.handles[handle] = struct{}{}
	} else {
		delete(b.handles, handle)
	}
}

func (b *Battle) ceiling(slot int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.PerRoundCalls + b.extra[slot]
}

// GrantExtra raises the ask budget for a round slot. The referee calls this
// when a team proposal is rejected and the round is re-entered.
func (b *Battle) GrantExtra(slot int) {
	if slot < 0 || slot >= gamefile.CallCountSlots {
		return
	}
	b.mu.Lock()
	b.extra[slot] += b.cfg.PerRoundCalls
	b.mu.Unlock()
}

// TokensEvent returns the per-player accounting in event form, index 0 being
// player 1.
func (b *Battle) TokensEvent() []TokenTally {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TokenTally, 7)
	copy(out, b.tokens[:])
	return out
}

// ReleaseAll force-releases any handle still held for this battle. Workers
// call this on every exit path so a crashed game never pins pool capacity.
func (b *Battle) ReleaseAll() {
	b.mu.Lock()
	handles := make([]string, 0, len(b.handles))
	for h := range b.handles {
		handles = append(handles, h)
	}
	b.handles = make(map[string]struct{})
	b.mu.Unlock()

	for _, h := range handles {
		b.pool.Release(h)
	}
}
