package game

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"avalon-arena/internal/bothost"
	"avalon-arena/internal/gamefile"
	"avalon-arena/internal/llm"
	"avalon-arena/internal/observer"
)

// Config wires one referee to its battle-scoped collaborators.
type Config struct {
	BattleID string
	Files    *gamefile.Dir
	Observer *observer.Observer
	Host     *bothost.Host
	LLM      *llm.Battle
	Checker  *StatusChecker
	Rng      *rand.Rand // nil = time-seeded
}

// Result is the final record of one game.
type Result struct {
	Winner        string            `json:"winner"` // blue, red, or "" when terminated/errored
	WinReason     string            `json:"win_reason"`
	BlueWins      int               `json:"blue_wins"`
	RedWins       int               `json:"red_wins"`
	RoundsPlayed  int               `json:"rounds_played"`
	Roles         map[string]string `json:"roles"`
	PublicLogFile string            `json:"public_log_file"`
	Error         string            `json:"error,omitempty"`
	Traceback     string            `json:"traceback,omitempty"`
}

// Referee drives one game to completion. Not reusable across battles.
type Referee struct {
	cfg Config
	rng *rand.Rand

	roles  [PlayerCount + 1]string // indexed by player id
	board  *Board
	leader int

	blueWins     int
	redWins      int
	roundsPlayed int
}

// NewReferee builds a referee; the host must already hold the seven bots.
func NewReferee(cfg Config) *Referee {
	rng := cfg.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Referee{cfg: cfg, rng: rng}
}

// RunGame executes the full game. A nil error means the result is final
// (including cooperative termination); a *bothost.Fault means the battle must
// be classified as error and rated through the penalty path; any other error
// is a setup or referee failure without player attribution.
func (r *Referee) RunGame() (*Result, error) {
	res := &Result{
		Roles:         map[string]string{},
		PublicLogFile: r.cfg.Files.PublicPath(),
	}

	err := r.setup()
	if err == nil {
		err = r.night()
	}
	if err == nil {
		err = r.missionLoop()
	}

	var winner, reason string
	if err == nil {
		if r.redWins >= 3 {
			winner, reason = TeamRed, WinMissionsFailed
		} else {
			winner, reason, err = r.assassination()
		}
	}

	res.BlueWins = r.blueWins
	res.RedWins = r.redWins
	res.RoundsPlayed = r.roundsPlayed
	for p := 1; p <= PlayerCount; p++ {
		if r.roles[p] != "" {
			res.Roles[strconv.Itoa(p)] = r.roles[p]
		}
	}

	switch {
	case err == nil:
		res.Winner = winner
		res.WinReason = reason
		r.emitPublic(observer.EvFinalScore, map[string]any{
			"blue_wins": r.blueWins, "red_wins": r.redWins,
		})
		r.emitPublic(observer.EvGameResult, map[string]any{
			"winner": winner, "win_reason": reason,
		})
		r.emitTokens()
		r.emitPublic(observer.EvGameEnd, nil)
		log.Printf("🎮 [%s] game over: %s wins (%s) after %d rounds", r.cfg.BattleID, winner, reason, r.roundsPlayed)
		return res, nil

	case errors.Is(err, ErrTerminated):
		res.WinReason = WinTerminated
		r.emitPublic(observer.EvGameTerminated, map[string]any{
			"blue_wins": r.blueWins, "red_wins": r.redWins, "rounds_played": r.roundsPlayed,
		})
		log.Printf("🛑 [%s] game terminated by status change after %d rounds", r.cfg.BattleID, r.roundsPlayed)
		return res, nil

	default:
		res.Error = err.Error()
		var fault *bothost.Fault
		if errors.As(err, &fault) {
			res.Traceback = fault.Stack
		}
		log.Printf("💀 [%s] game failed: %v", r.cfg.BattleID, err)
		return res, err
	}
}

// ---------------------------------------------------------------------------
// phases

func (r *Referee) setup() error {
	if err := r.cfg.Files.Init(); err != nil {
		r.emitPublic(observer.EvCriticalSetupErr, map[string]any{"error_msg": err.Error()})
		return fmt.Errorf("prepare battle files: %w", err)
	}

	r.emitPublic(observer.EvGameStart, map[string]any{"battle_id": r.cfg.BattleID})

	// Roles: shuffle the fixed deck onto seats 1..7.
	perm := r.rng.Perm(PlayerCount)
	for seat, deckIdx := range perm {
		r.roles[seat+1] = allRoles[deckIdx]
	}
	rolesData := map[string]any{}
	for p := 1; p <= PlayerCount; p++ {
		rolesData[strconv.Itoa(p)] = r.roles[p]
	}
	r.emitArchive(observer.EvRoleAssign, map[string]any{"roles": rolesData})

	r.board = NewBoard(r.rng)
	r.leader = r.rng.Intn(PlayerCount) + 1

	r.emitArchive(observer.EvDefaultPositions, map[string]any{"positions": r.board.Positions()})

	for p := 1; p <= PlayerCount; p++ {
		p := p
		if err := r.botCall(p, 0, func(b *bothost.Bot) error {
			if err := b.SetPlayerIndex(p); err != nil {
				return err
			}
			return b.SetRoleType(r.roles[p])
		}); err != nil {
			return err
		}
	}

	return r.broadcastBoard(0)
}

// night delivers role-specific visibility per the role table.
func (r *Referee) night() error {
	r.emitArchive(observer.EvNightStart, nil)

	byRole := map[string]int{}
	for p := 1; p <= PlayerCount; p++ {
		if r.roles[p] != RoleKnight {
			byRole[r.roles[p]] = p
		}
	}

	for p := 1; p <= PlayerCount; p++ {
		sight := r.sightFor(p, byRole)
		if err := r.botCall(p, 0, func(b *bothost.Bot) error {
			return b.PassRoleSight(sight)
		}); err != nil {
			return err
		}
	}

	r.emitArchive(observer.EvNightEnd, nil)
	return nil
}

func (r *Referee) sightFor(p int, byRole map[string]int) map[string]int {
	switch r.roles[p] {
	case RoleMorgana:
		return map[string]int{RoleAssassin: byRole[RoleAssassin]}
	case RoleAssassin:
		return map[string]int{RoleMorgana: byRole[RoleMorgana]}
	case RoleMerlin:
		return map[string]int{
			RoleMorgana:  byRole[RoleMorgana],
			RoleAssassin: byRole[RoleAssassin],
			RoleOberon:   byRole[RoleOberon],
		}
	case RolePercival:
		// Unordered pair, generically labeled: Percival cannot tell which is
		// Merlin and which is Morgana.
		pair := []int{byRole[RoleMerlin], byRole[RoleMorgana]}
		sort.Ints(pair)
		return map[string]int{"Special1": pair[0], "Special2": pair[1]}
	default:
		// Knights and Oberon see nothing; red does not see Oberon either.
		return map[string]int{}
	}
}

func (r *Referee) missionLoop() error {
	for round := 1; round <= MaxMissionRounds && r.blueWins < 3 && r.redWins < 3; round++ {
		if err := r.runRound(round); err != nil {
			return err
		}
		r.roundsPlayed = round
	}
	return nil
}

func (r *Referee) runRound(round int) error {
	if err := r.cfg.Checker.Check(); err != nil {
		return err
	}
	r.emitPublic(observer.EvRoundStart, map[string]any{"round": round})

	for ballot := 1; ballot <= MaxVoteRounds; ballot++ {
		r.emitPublic(observer.EvLeader, map[string]any{
			"round": round, "ballot": ballot, "leader": r.leader,
		})

		team, err := r.decideTeam(round)
		if err != nil {
			return err
		}
		r.emitPublic(observer.EvTeamPropose, map[string]any{
			"round": round, "leader": r.leader, "team": team,
		})

		// Every validated proposal is announced to all seven players before
		// speeches and the ballot, whether or not it ends up executing.
		for p := 1; p <= PlayerCount; p++ {
			p := p
			if err := r.botCall(p, round, func(b *bothost.Bot) error {
				return b.PassMissionMembers(r.leader, team)
			}); err != nil {
				return err
			}
		}

		if err := r.speechGlobal(round); err != nil {
			return err
		}
		if err := r.movement(round); err != nil {
			return err
		}
		if err := r.speechLimited(round); err != nil {
			return err
		}

		votes, approvals, err := r.publicVote(round)
		if err != nil {
			return err
		}
		approved := approvals >= ApproveThreshold
		r.emitPublic(observer.EvPublicVoteResult, map[string]any{
			"round": round, "ballot": ballot, "votes": votes,
			"approvals": approvals, "approved": approved,
		})

		if approved {
			r.emitPublic(observer.EvMissionApproved, map[string]any{"round": round, "team": team})
			if err := r.execute(round, team); err != nil {
				return err
			}
			break
		}

		r.emitPublic(observer.EvMissionRejected, map[string]any{"round": round, "ballot": ballot})

		// Rejection bookkeeping runs on every ballot, the fifth included: the
		// ask budget resets and the leadership rotates before any forced
		// execution.
		r.cfg.LLM.GrantExtra(round)
		r.leader = r.leader%PlayerCount + 1

		if ballot == MaxVoteRounds {
			// Fifth consecutive rejection: the last proposal executes anyway.
			r.emitPublic(observer.EvMissionForceExecute, map[string]any{"round": round, "team": team})
			if err := r.execute(round, team); err != nil {
				return err
			}
			break
		}
	}

	// One rotation at round end regardless of how many ballots it took.
	r.leader = r.leader%PlayerCount + 1
	r.emitPublic(observer.EvRoundEnd, map[string]any{
		"round": round, "blue_wins": r.blueWins, "red_wins": r.redWins,
	})
	return nil
}

func (r *Referee) decideTeam(round int) ([]int, error) {
	size := MissionMemberCount[round-1]
	leader := r.leader

	var team []int
	if err := r.botCall(leader, round, func(b *bothost.Bot) error {
		t, err := b.DecideMissionMember(size)
		if err != nil {
			return err
		}
		team = t
		return nil
	}); err != nil {
		return nil, err
	}

	if len(team) != size {
		return nil, r.returnFault(leader, "decideMissionMember",
			fmt.Sprintf("team size %d, want %d", len(team), size))
	}
	seen := map[int]bool{}
	for _, m := range team {
		if m < 1 || m > PlayerCount {
			return nil, r.returnFault(leader, "decideMissionMember",
				fmt.Sprintf("team member %d out of range", m))
		}
		if seen[m] {
			return nil, r.returnFault(leader, "decideMissionMember",
				fmt.Sprintf("duplicate team member %d", m))
		}
		seen[m] = true
	}
	return team, nil
}

// speechGlobal runs the round-robin open speech starting at the leader.
func (r *Referee) speechGlobal(round int) error {
	for i, speaker := range r.orderFromLeader() {
		if i%3 == 0 {
			if err := r.cfg.Checker.Check(); err != nil {
				return err
			}
		}

		var msg string
		if err := r.botCall(speaker, round, func(b *bothost.Bot) error {
			s, err := b.Say()
			if err != nil {
				return err
			}
			msg = s
			return nil
		}); err != nil {
			return err
		}
		r.emitPublic(observer.EvPublicSpeech, map[string]any{
			"round": round, "player": speaker, "message": msg,
		})

		for p := 1; p <= PlayerCount; p++ {
			if p == speaker {
				continue
			}
			if err := r.botCall(p, round, func(b *bothost.Bot) error {
				return b.PassMessage(speaker, msg)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// movement runs the round-robin walk phase; every successful step mutates the
// board and the full map is re-broadcast after each mover.
func (r *Referee) movement(round int) error {
	for i, mover := range r.orderFromLeader() {
		if i%3 == 0 {
			if err := r.cfg.Checker.Check(); err != nil {
				return err
			}
		}

		var moves []string
		if err := r.botCall(mover, round, func(b *bothost.Bot) error {
			m, err := b.Walk()
			if err != nil {
				return err
			}
			moves = m
			return nil
		}); err != nil {
			return err
		}

		if len(moves) > MaxMovesPerTurn {
			return r.returnFault(mover, "walk",
				fmt.Sprintf("returned %d moves, limit %d", len(moves), MaxMovesPerTurn))
		}
		for _, step := range moves {
			if err := r.board.Move(mover, step); err != nil {
				return r.returnFault(mover, "walk", err.Error())
			}
		}

		r.emitPublic(observer.EvMove, map[string]any{
			"round": round, "player": mover, "moves": moves,
			"positions": r.board.Positions(),
		})
		if err := r.broadcastBoard(round); err != nil {
			return err
		}
	}
	return nil
}

// speechLimited delivers each speech only within the speaker's hearing radius.
func (r *Referee) speechLimited(round int) error {
	for i, speaker := range r.orderFromLeader() {
		if i%3 == 0 {
			if err := r.cfg.Checker.Check(); err != nil {
				return err
			}
		}

		var msg string
		if err := r.botCall(speaker, round, func(b *bothost.Bot) error {
			s, err := b.Say()
			if err != nil {
				return err
			}
			msg = s
			return nil
		}); err != nil {
			return err
		}

		radius := HearingRadius(r.roles[speaker])
		listeners := r.board.Listeners(speaker, radius)
		for _, listener := range listeners {
			listener := listener
			if err := r.botCall(listener, round, func(b *bothost.Bot) error {
				return b.PassMessage(speaker, msg)
			}); err != nil {
				return err
			}
		}
		r.emitArchive(observer.EvPrivateSpeech, map[string]any{
			"round": round, "player": speaker, "message": msg, "listeners": listeners,
		})
	}
	return nil
}

func (r *Referee) publicVote(round int) (map[string]bool, int, error) {
	votes := make(map[string]bool, PlayerCount)
	approvals := 0
	for p := 1; p <= PlayerCount; p++ {
		if p%3 == 0 {
			if err := r.cfg.Checker.Check(); err != nil {
				return nil, 0, err
			}
		}
		var vote bool
		if err := r.botCall(p, round, func(b *bothost.Bot) error {
			v, err := b.MissionVote1()
			if err != nil {
				return err
			}
			vote = v
			return nil
		}); err != nil {
			return nil, 0, err
		}
		votes[strconv.Itoa(p)] = vote
		if vote {
			approvals++
		}
	}
	r.emitPublic(observer.EvPublicVote, map[string]any{"round": round, "votes": votes})
	return votes, approvals, nil
}

// execute runs the secret mission ballots of the approved (or forced) team.
// The team was already announced to every player during the ballot.
func (r *Referee) execute(round int, team []int) error {
	fails := 0
	for _, member := range team {
		member := member
		var vote bool
		if err := r.botCall(member, round, func(b *bothost.Bot) error {
			v, err := b.MissionVote2()
			if err != nil {
				return err
			}
			vote = v
			return nil
		}); err != nil {
			return err
		}
		if IsBlue(r.roles[member]) && !vote {
			return r.returnFault(member, "missionVote2", "Blue player voted Fail")
		}
		if !vote {
			fails++
		}
	}

	// Rounds 3 and 4 need two Fails to fail; the others need one.
	needed := 1
	if round == 3 || round == 4 {
		needed = 2
	}
	success := fails < needed
	if success {
		r.blueWins++
	} else {
		r.redWins++
	}

	r.emitPublic(observer.EvMissionVote, map[string]any{"round": round, "fails": fails})
	r.emitPublic(observer.EvMissionResult, map[string]any{
		"round": round, "fails": fails, "success": success,
	})
	r.emitPublic(observer.EvScoreBoard, map[string]any{
		"blue_wins": r.blueWins, "red_wins": r.redWins,
	})
	return nil
}

// assassination resolves blue's three mission wins.
func (r *Referee) assassination() (string, string, error) {
	assassin := 0
	for p := 1; p <= PlayerCount; p++ {
		if r.roles[p] == RoleAssassin {
			assassin = p
			break
		}
	}
	if assassin == 0 {
		return "", "", fmt.Errorf("referee invariant broken: no Assassin seated")
	}

	var target int
	if err := r.botCall(assassin, MaxMissionRounds, func(b *bothost.Bot) error {
		t, err := b.Assass()
		if err != nil {
			return err
		}
		target = t
		return nil
	}); err != nil {
		return "", "", err
	}

	if target < 1 || target > PlayerCount {
		return "", "", r.returnFault(assassin, "assass",
			fmt.Sprintf("target %d out of range", target))
	}
	if target == assassin {
		return "", "", r.returnFault(assassin, "assass", "self-assassination")
	}

	hit := r.roles[target] == RoleMerlin
	r.emitPublic(observer.EvAssass, map[string]any{
		"assassin": assassin, "target": target, "hit_merlin": hit,
	})

	if hit {
		return TeamRed, WinAssassinationSuccess, nil
	}
	return TeamBlue, WinAssassinationFailed, nil
}

// ---------------------------------------------------------------------------
// plumbing

// orderFromLeader returns all seven players round-robin starting at the leader.
func (r *Referee) orderFromLeader() []int {
	out := make([]int, PlayerCount)
	for i := 0; i < PlayerCount; i++ {
		out[i] = (r.leader-1+i)%PlayerCount + 1
	}
	return out
}

func (r *Referee) broadcastBoard(slot int) error {
	grid := r.board.Grid()
	positions := r.board.Positions()
	for p := 1; p <= PlayerCount; p++ {
		p := p
		if err := r.botCall(p, slot, func(b *bothost.Bot) error {
			if err := b.PassMap(grid); err != nil {
				return err
			}
			return b.PassPositionData(positions)
		}); err != nil {
			return err
		}
	}
	r.emitArchive(observer.EvPositions, map[string]any{"positions": positions})
	return nil
}

// botCall wraps one bot invocation: status check, context set/clear, and
// fault handling. The first fault suspends the game (tokens + error events)
// before unwinding.
func (r *Referee) botCall(player, slot int, fn func(b *bothost.Bot) error) error {
	if err := r.cfg.Checker.Check(); err != nil {
		return err
	}

	bot := r.cfg.Host.Bot(player)
	if bot == nil {
		return fmt.Errorf("no bot seated at position %d", player)
	}

	r.cfg.Host.SetContext(player, slot)
	err := fn(bot)
	r.cfg.Host.ClearContext()
	if err == nil {
		return nil
	}

	var fault *bothost.Fault
	if errors.As(err, &fault) {
		r.suspend(fault)
		return fault
	}

	// Context invariant breaks and other host errors count against the player.
	fault = &bothost.Fault{
		Player: player, Kind: bothost.FaultRuntime, Message: err.Error(),
	}
	r.suspend(fault)
	return fault
}

// returnFault records a semantic return violation and unwinds.
func (r *Referee) returnFault(player int, method, msg string) error {
	f := &bothost.Fault{Player: player, Method: method, Kind: bothost.FaultReturn, Message: msg}
	r.suspend(f)
	return f
}

// suspend writes the token accounting and the structured error event before
// the game unwinds. Called exactly once per failed game.
func (r *Referee) suspend(f *bothost.Fault) {
	r.emitTokens()
	r.emitPublic(string(f.Kind), map[string]any{
		"error_code_pid":    f.Player,
		"error_code_method": methodEventName(f.Method),
		"error_msg":         f.Message,
		"traceback":         f.Stack,
	})
}

func (r *Referee) emitTokens() {
	r.emitPublic(observer.EvTokens, map[string]any{"result": r.cfg.LLM.TokensEvent()})
}

// emitPublic writes the event to both the public log and the archive.
func (r *Referee) emitPublic(eventType string, data map[string]any) {
	record := map[string]any{
		"type":      eventType,
		"timestamp": time.Now().UTC(),
	}
	for k, v := range data {
		record[k] = v
	}
	if err := r.cfg.Files.AppendPublic(record); err != nil {
		log.Printf("⚠️ [%s] public log append failed (%s): %v", r.cfg.BattleID, eventType, err)
	}
	r.cfg.Observer.Record(eventType, data)
}

// emitArchive records to the archive/snapshots only (role sights, private
// speech content, raw positions).
func (r *Referee) emitArchive(eventType string, data map[string]any) {
	r.cfg.Observer.Record(eventType, data)
}

// methodEventName maps runtime entry-point names to their canonical event
// form consumed by the rating processor.
func methodEventName(method string) string {
	switch method {
	case "decideMissionMember":
		return "decide_mission_member"
	case "missionVote1":
		return "mission_vote1"
	case "missionVote2":
		return "mission_vote2"
	case "setPlayerIndex":
		return "set_player_index"
	case "setRoleType":
		return "set_role_type"
	case "passRoleSight":
		return "pass_role_sight"
	case "passMap":
		return "pass_map"
	case "passPositionData":
		return "pass_position_data"
	case "passMessage":
		return "pass_message"
	case "passMissionMembers":
		return "pass_mission_members"
	case "askLLM":
		return "ask_llm"
	default:
		return method
	}
}
