package bothost

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// FaultKind classifies a fatal bot fault. Values double as the event type
// written to the public log.
type FaultKind string

const (
	FaultRuntime FaultKind = "critical_player_ERROR" // exception, deadline, missing method
	FaultReturn  FaultKind = "player_return_ERROR"   // wrong type or shape returned
)

// Fault is a fatal, attributable bot error. The referee logs it and unwinds.
type Fault struct {
	Player  int
	Method  string
	Kind    FaultKind
	Message string
	Stack   string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("Player %d %s in method '%s': %s", f.Player, f.Kind, f.Method, f.Message)
}

// interrupt payloads distinguishing deadline from quota aborts.
type interruptReason struct {
	msg   string
	fatal error
}

// Bot is one seat's compiled runtime. Calls are sequential per battle (the
// referee is single-threaded per game), so no lock is needed around rt.
type Bot struct {
	host   *Host
	pos    int
	rt     *goja.Runtime
	player *goja.Object
}

// Pos returns the seat index (1..7).
func (b *Bot) Pos() int { return b.pos }

// call invokes one entry point under the wall-clock deadline and verifies
// the ambient context identity before and after.
func (b *Bot) call(method string, args ...any) (goja.Value, error) {
	if ctxPlayer, _ := b.host.context(); ctxPlayer != b.pos {
		return nil, fmt.Errorf("context invariant broken before %s: current player %d, bot %d", method, ctxPlayer, b.pos)
	}

	fnVal := b.player.Get(method)
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, &Fault{
			Player: b.pos, Method: method, Kind: FaultRuntime,
			Message: fmt.Sprintf("missing required method '%s'", method),
		}
	}

	// LIFO: the timer must be stopped before the interrupt is cleared, or a
	// deadline firing in between poisons the next call on this runtime.
	timer := time.AfterFunc(b.host.callLimit, func() {
		b.rt.Interrupt(&interruptReason{msg: "deadline exceeded"})
	})
	defer b.rt.ClearInterrupt()
	defer timer.Stop()

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = b.rt.ToValue(a)
	}

	ret, err := fn(b.player, jsArgs...)

	if ctxPlayer, _ := b.host.context(); ctxPlayer != b.pos {
		return nil, fmt.Errorf("context invariant broken after %s: current player %d, bot %d", method, ctxPlayer, b.pos)
	}

	if err != nil {
		return nil, b.classify(method, err)
	}
	return ret, nil
}

func (b *Bot) classify(method string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if reason, ok := interrupted.Value().(*interruptReason); ok && reason.fatal != nil {
			// Quota and similar helper-raised fatals keep their own error.
			return reason.fatal
		}
		return &Fault{
			Player: b.pos, Method: method, Kind: FaultRuntime,
			Message: fmt.Sprintf("execution exceeded %v", b.host.callLimit),
		}
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		return &Fault{
			Player: b.pos, Method: method, Kind: FaultRuntime,
			Message: exc.Value().String(),
			Stack:   exc.String(),
		}
	}

	return &Fault{
		Player: b.pos, Method: method, Kind: FaultRuntime,
		Message: err.Error(),
	}
}

// notify invokes a void entry point.
func (b *Bot) notify(method string, args ...any) error {
	_, err := b.call(method, args...)
	return err
}

// SetPlayerIndex tells the bot its seat.
func (b *Bot) SetPlayerIndex(idx int) error { return b.notify("setPlayerIndex", idx) }

// SetRoleType tells the bot its role string.
func (b *Bot) SetRoleType(role string) error { return b.notify("setRoleType", role) }

// PassRoleSight delivers the night-phase visibility map (may be empty).
func (b *Bot) PassRoleSight(sight map[string]int) error { return b.notify("passRoleSight", sight) }

// PassMap delivers the current grid (0 = empty cell, otherwise player id).
func (b *Bot) PassMap(grid [][]int) error { return b.notify("passMap", grid) }

// PassPositionData delivers player id -> [x, y].
func (b *Bot) PassPositionData(pos map[string][]int) error { return b.notify("passPositionData", pos) }

// PassMessage delivers a speech (speaker id, text).
func (b *Bot) PassMessage(speaker int, text string) error {
	return b.notify("passMessage", []any{speaker, text})
}

// PassMissionMembers announces the executing team.
func (b *Bot) PassMissionMembers(leader int, members []int) error {
	return b.notify("passMissionMembers", leader, members)
}

// DecideMissionMember asks the leader for a team of the given size. Shape
// validation (length, range, duplicates) stays with the referee; this only
// coerces the value into ints.
func (b *Bot) DecideMissionMember(teamSize int) ([]int, error) {
	v, err := b.call("decideMissionMember", teamSize)
	if err != nil {
		return nil, err
	}
	list, ok := exportIntList(v)
	if !ok {
		return nil, &Fault{
			Player: b.pos, Method: "decideMissionMember", Kind: FaultReturn,
			Message: fmt.Sprintf("expected a list of player ids, got %v", v),
		}
	}
	return list, nil
}

// Walk asks for up to three moves from {up,down,left,right}.
func (b *Bot) Walk() ([]string, error) {
	v, err := b.call("walk")
	if err != nil {
		return nil, err
	}
	moves, ok := exportStringList(v)
	if !ok {
		return nil, &Fault{
			Player: b.pos, Method: "walk", Kind: FaultReturn,
			Message: fmt.Sprintf("expected a list of direction strings, got %v", v),
		}
	}
	return moves, nil
}

// Say asks for a speech.
func (b *Bot) Say() (string, error) {
	v, err := b.call("say")
	if err != nil {
		return "", err
	}
	s, ok := v.Export().(string)
	if !ok {
		return "", &Fault{
			Player: b.pos, Method: "say", Kind: FaultReturn,
			Message: fmt.Sprintf("expected a string, got %v", v),
		}
	}
	return s, nil
}

// MissionVote1 is the public team-approval ballot.
func (b *Bot) MissionVote1() (bool, error) { return b.voteBool("missionVote1") }

// MissionVote2 is the team member's secret execution ballot.
func (b *Bot) MissionVote2() (bool, error) { return b.voteBool("missionVote2") }

func (b *Bot) voteBool(method string) (bool, error) {
	v, err := b.call(method)
	if err != nil {
		return false, err
	}
	val, ok := v.Export().(bool)
	if !ok {
		return false, &Fault{
			Player: b.pos, Method: method, Kind: FaultReturn,
			Message: fmt.Sprintf("expected a bool, got %v", v),
		}
	}
	return val, nil
}

// Assass asks the Assassin for a target.
func (b *Bot) Assass() (int, error) {
	v, err := b.call("assass")
	if err != nil {
		return 0, err
	}
	n, ok := exportInt(v.Export())
	if !ok {
		return 0, &Fault{
			Player: b.pos, Method: "assass", Kind: FaultReturn,
			Message: fmt.Sprintf("expected a player id, got %v", v),
		}
	}
	return n, nil
}

func exportInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func exportIntList(v goja.Value) ([]int, bool) {
	raw, ok := v.Export().([]any)
	if !ok {
		return nil, false
	}
	out := make([]int, len(raw))
	for i, item := range raw {
		n, ok := exportInt(item)
		if !ok {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

func exportStringList(v goja.Value) ([]string, bool) {
	raw, ok := v.Export().([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}
