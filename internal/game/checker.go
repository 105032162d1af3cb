package game

import (
	"errors"
	"sync"
	"time"

	"avalon-arena/internal/store"
)

// ErrTerminated unwinds the referee when the battle's persisted status leaves
// {playing, waiting}; cancellation is cooperative and observed here.
var ErrTerminated = errors.New("terminated_due_to_status_change")

// StatusChecker polls the battle store at phase boundaries. Store hits are
// throttled to one per interval; between polls the cached verdict is reused,
// so a checker call in a tight loop is cheap.
type StatusChecker struct {
	st       store.Store
	battleID string
	interval time.Duration

	mu        sync.Mutex
	lastCheck time.Time
	lastErr   error
}

// NewStatusChecker builds a checker with the given poll interval.
func NewStatusChecker(st store.Store, battleID string, interval time.Duration) *StatusChecker {
	return &StatusChecker{st: st, battleID: battleID, interval: interval}
}

// Check returns ErrTerminated once the battle is no longer playing/waiting.
// Store read failures do not abort the game; the last verdict stands.
func (c *StatusChecker) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastCheck) < c.interval {
		return c.lastErr
	}
	c.lastCheck = time.Now()

	b, err := c.st.Battle(c.battleID)
	if err != nil {
		return c.lastErr
	}
	if b.Status != store.StatusPlaying && b.Status != store.StatusWaiting {
		c.lastErr = ErrTerminated
	}
	return c.lastErr
}
