// Package bothost loads user bot sources into isolated goja runtimes and
// invokes their entry points under wall-clock deadlines. Each battle stages
// its seven sources into a battle-scoped directory so concurrent battles
// never share modules, and purges it on battle end.
//
// The runtime exposes pure ECMAScript built-ins plus one `helper` object
// (askLLM, readPublicLib, readPrivateLib, writeIntoPrivate). There is no
// filesystem, network, process, or host reflection surface, and dynamic code
// execution is disabled.
package bothost

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dop251/goja"

	"avalon-arena/internal/gamefile"
	"avalon-arena/internal/llm"
)

// Host owns one battle's seven bot runtimes and the ambient call context.
type Host struct {
	battleID  string
	stageDir  string
	callLimit time.Duration
	llmb      *llm.Battle
	files     *gamefile.Dir

	bots [7]*Bot

	mu         sync.Mutex
	curPlayer  int // 0 = no call in flight
	curSlot    int
}

// NewHost prepares the battle's staging directory.
func NewHost(moduleRoot, battleID string, callLimit time.Duration, llmb *llm.Battle, files *gamefile.Dir) (*Host, error) {
	stageDir := filepath.Join(moduleRoot, battleID)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create module dir: %w", err)
	}
	return &Host{
		battleID:  battleID,
		stageDir:  stageDir,
		callLimit: callLimit,
		llmb:      llmb,
		files:     files,
	}, nil
}

// LoadBots stages and compiles the seven sources, position order. Any
// failure here is a setup error, not a bot runtime fault.
func (h *Host) LoadBots(sourcePaths [7]string) error {
	for i, src := range sourcePaths {
		pos := i + 1
		staged := filepath.Join(h.stageDir, fmt.Sprintf("player_%d.js", pos))
		if err := copyFile(src, staged); err != nil {
			return fmt.Errorf("stage bot %d (%s): %w", pos, src, err)
		}

		bot, err := h.newBot(pos, staged)
		if err != nil {
			return fmt.Errorf("load bot %d: %w", pos, err)
		}
		h.bots[i] = bot
	}
	log.Printf("🤖 [%s] staged and compiled 7 bots in %s", h.battleID, h.stageDir)
	return nil
}

// Bot returns the bot seated at pos (1..7).
func (h *Host) Bot(pos int) *Bot {
	if pos < 1 || pos > 7 {
		return nil
	}
	return h.bots[pos-1]
}

// SetContext records which player and round slot the next call belongs to.
// Helper invocations from inside bot code attribute against it.
func (h *Host) SetContext(player, slot int) {
	h.mu.Lock()
	h.curPlayer = player
	h.curSlot = slot
	h.mu.Unlock()
}

// ClearContext marks no call in flight.
func (h *Host) ClearContext() {
	h.mu.Lock()
	h.curPlayer = 0
	h.mu.Unlock()
}

func (h *Host) context() (player, slot int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.curPlayer, h.curSlot
}

// Purge deletes the battle's staged sources. Called on every battle exit
// path; a second purge is a no-op.
func (h *Host) Purge() {
	if err := os.RemoveAll(h.stageDir); err != nil {
		log.Printf("⚠️ [%s] failed to purge module dir %s: %v", h.battleID, h.stageDir, err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// newBot compiles one staged source into a fresh runtime.
func (h *Host) newBot(pos int, stagedPath string) (*Bot, error) {
	src, err := os.ReadFile(stagedPath)
	if err != nil {
		return nil, err
	}

	rt := goja.New()

	// No dynamic code execution inside the sandbox.
	rt.Set("eval", goja.Undefined())
	rt.Set("Function", goja.Undefined())

	bot := &Bot{host: h, pos: pos, rt: rt}
	bot.bindHelper()

	if _, err := rt.RunScript(filepath.Base(stagedPath), string(src)); err != nil {
		return nil, fmt.Errorf("evaluate source: %w", err)
	}

	playerVal := rt.Get("Player")
	if playerVal == nil || goja.IsUndefined(playerVal) || goja.IsNull(playerVal) {
		return nil, fmt.Errorf("source defines no global Player object")
	}
	bot.player = playerVal.ToObject(rt)
	return bot, nil
}
