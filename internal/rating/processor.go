package rating

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"

	"avalon-arena/internal/game"
	"avalon-arena/internal/store"
)

// Outcome strings written to battle player rows.
const (
	OutcomeWin       = "win"
	OutcomeLoss      = "loss"
	OutcomeDraw      = "draw"
	OutcomeCancelled = "cancelled"
)

// Processor settles ended battles: it writes per-seat outcomes and ELO
// changes in one store transaction and mirrors new scores into the ladders.
type Processor struct {
	st      store.Store
	ladders *Ladders
}

// NewProcessor wires a processor to its store and ladder registry.
func NewProcessor(st store.Store, ladders *Ladders) *Processor {
	return &Processor{st: st, ladders: ladders}
}

// Process settles one ended battle given its public event log. Idempotent:
// once any seat carries an outcome the call is a no-op, so a retry after a
// partial failure can never double-apply rating changes.
func (p *Processor) Process(battleID string, records []map[string]any) error {
	b, err := p.st.Battle(battleID)
	if err != nil {
		return fmt.Errorf("load battle %s: %w", battleID, err)
	}
	if !b.Status.Terminal() {
		return fmt.Errorf("battle %s not ended (status %s)", battleID, b.Status)
	}

	players, err := p.st.BattlePlayers(battleID)
	if err != nil {
		return fmt.Errorf("load players of %s: %w", battleID, err)
	}
	if len(players) != game.PlayerCount {
		return fmt.Errorf("battle %s has %d seats, want %d", battleID, len(players), game.PlayerCount)
	}
	for _, pl := range players {
		if pl.Outcome != "" {
			log.Printf("📊 battle %s already settled, skipping", battleID)
			return nil
		}
	}

	switch b.Status {
	case store.StatusCancelled:
		return p.settleCancelled(b, players)
	case store.StatusError:
		return p.settleError(b, players, records)
	default:
		return p.settleCompleted(b, players, records)
	}
}

// exempt battles record outcomes but never move ratings or ladder counters.
func exempt(b *store.Battle) bool {
	return b.EloExempt || b.RankingID == 0
}

func (p *Processor) settleCompleted(b *store.Battle, players []*store.BattlePlayer, records []map[string]any) error {
	var res game.Result
	if len(b.Results) > 0 {
		if err := json.Unmarshal(b.Results, &res); err != nil {
			return fmt.Errorf("battle %s result blob: %w", b.ID, err)
		}
	}

	if res.Winner != game.TeamBlue && res.Winner != game.TeamRed {
		// Completed without a decisive winner should not happen; settle
		// neutrally rather than guess.
		log.Printf("⚠️ battle %s completed without a winner, settling as draws", b.ID)
		for _, pl := range players {
			pl.Outcome = OutcomeDraw
			pl.EloChange = 0
		}
		return p.apply(b, players, nil)
	}

	teamOf := make(map[int]string, game.PlayerCount)
	var blueElos, redElos []int
	for _, pl := range players {
		role, ok := res.Roles[strconv.Itoa(pl.Position)]
		if !ok {
			return fmt.Errorf("battle %s result has no role for seat %d", b.ID, pl.Position)
		}
		team := game.TeamOf(role)
		teamOf[pl.Position] = team
		if team == game.TeamBlue {
			blueElos = append(blueElos, pl.InitialElo)
		} else {
			redElos = append(redElos, pl.InitialElo)
		}
	}

	if exempt(b) {
		for _, pl := range players {
			pl.EloChange = 0
			if teamOf[pl.Position] == res.Winner {
				pl.Outcome = OutcomeWin
			} else {
				pl.Outcome = OutcomeLoss
			}
		}
		return p.apply(b, players, nil)
	}

	statsByUser, err := p.loadStats(b, players)
	if err != nil {
		return err
	}

	// Expectations come from the creation-time ELO snapshot; the actual
	// change applies to the current row, both floored at the minimum.
	blueAvg := harmonicTeamMean(blueElos)
	redAvg := harmonicTeamMean(redElos)

	tokens := tokensFromLog(records)
	sum := 0.0
	var standards [game.PlayerCount]float64
	for seat := 0; seat < game.PlayerCount; seat++ {
		standards[seat] = tokenStandard(tokens[seat])
		sum += standards[seat]
	}
	tokensAvg := math.Max(tokenBaseline, sum/game.PlayerCount)

	for _, pl := range players {
		team := teamOf[pl.Position]
		actual := 0.0
		pl.Outcome = OutcomeLoss
		if team == res.Winner {
			actual = 1.0
			pl.Outcome = OutcomeWin
		}

		expected := expectedScore(blueAvg, redAvg)
		if team == game.TeamRed {
			expected = expectedScore(redAvg, blueAvg)
		}
		proportion := standards[pl.Position-1] / tokensAvg

		gs := statsByUser[pl.UserID]
		newElo := clampElo(gs.Elo + eloDelta(actual, expected, proportion))
		pl.EloChange = newElo - gs.Elo
		gs.Elo = newElo
		gs.GamesPlayed++
		if pl.Outcome == OutcomeWin {
			gs.Wins++
		} else {
			gs.Losses++
		}
	}

	return p.apply(b, players, statsByUser)
}

func (p *Processor) settleError(b *store.Battle, players []*store.BattlePlayer, records []map[string]any) error {
	att := attributeFault(records)
	if att == nil {
		// Referee or infrastructure failure with no attributable seat:
		// nobody pays for it.
		log.Printf("⚠️ battle %s errored without an attributable player", b.ID)
		for _, pl := range players {
			pl.Outcome = OutcomeDraw
			pl.EloChange = 0
		}
		return p.apply(b, players, nil)
	}

	if exempt(b) {
		for _, pl := range players {
			pl.EloChange = 0
			if pl.Position == att.Position {
				pl.Outcome = OutcomeLoss
			} else {
				pl.Outcome = OutcomeDraw
			}
		}
		return p.apply(b, players, nil)
	}

	statsByUser, err := p.loadStats(b, players)
	if err != nil {
		return err
	}

	blueAvg, redAvg := teamArithmeticMeans(b, players)
	penalty := errorPenalty(att.Kind, att.Method, blueAvg, redAvg)

	for _, pl := range players {
		gs := statsByUser[pl.UserID]
		gs.GamesPlayed++
		if pl.Position == att.Position {
			pl.Outcome = OutcomeLoss
			newElo := clampElo(gs.Elo - penalty)
			pl.EloChange = newElo - gs.Elo
			gs.Elo = newElo
			gs.Losses++
		} else {
			pl.Outcome = OutcomeDraw
			pl.EloChange = 0
			gs.Draws++
		}
	}

	log.Printf("📊 battle %s errored: seat %d (%s in %s) penalized %d",
		b.ID, att.Position, att.Kind, att.Method, penalty)
	return p.apply(b, players, statsByUser)
}

func (p *Processor) settleCancelled(b *store.Battle, players []*store.BattlePlayer) error {
	for _, pl := range players {
		pl.Outcome = OutcomeCancelled
		pl.EloChange = 0
	}
	return p.apply(b, players, nil)
}

// teamArithmeticMeans splits the creation-time ELO snapshot by team using the
// roles from the result blob. When roles are unavailable (the game faulted
// before assignment) both sides get the overall mean, zeroing the imbalance
// term of the penalty.
func teamArithmeticMeans(b *store.Battle, players []*store.BattlePlayer) (float64, float64) {
	var res game.Result
	if len(b.Results) > 0 {
		_ = json.Unmarshal(b.Results, &res)
	}

	var blue, red, all []int
	for _, pl := range players {
		all = append(all, pl.InitialElo)
		role, ok := res.Roles[strconv.Itoa(pl.Position)]
		if !ok {
			continue
		}
		if game.TeamOf(role) == game.TeamBlue {
			blue = append(blue, pl.InitialElo)
		} else {
			red = append(red, pl.InitialElo)
		}
	}
	if len(blue) == 0 || len(red) == 0 {
		m := arithmeticMean(all)
		return m, m
	}
	return arithmeticMean(blue), arithmeticMean(red)
}

func (p *Processor) loadStats(b *store.Battle, players []*store.BattlePlayer) (map[string]*store.GameStats, error) {
	out := make(map[string]*store.GameStats, len(players))
	for _, pl := range players {
		if _, ok := out[pl.UserID]; ok {
			continue
		}
		gs, err := p.st.GameStats(pl.UserID, b.RankingID)
		if errors.Is(err, store.ErrNotFound) {
			gs, err = p.st.CreateGameStats(pl.UserID, b.RankingID)
		}
		if err != nil {
			return nil, fmt.Errorf("stats for user %s on ladder %d: %w", pl.UserID, b.RankingID, err)
		}
		out[pl.UserID] = gs
	}
	return out, nil
}

// apply commits the settlement transactionally, then mirrors new scores into
// the in-memory ladder.
func (p *Processor) apply(b *store.Battle, players []*store.BattlePlayer, statsByUser map[string]*store.GameStats) error {
	var stats []*store.GameStats
	for _, gs := range statsByUser {
		stats = append(stats, gs)
	}
	if err := p.st.ApplyBattleOutcome(b, players, stats); err != nil {
		return fmt.Errorf("apply outcome of %s: %w", b.ID, err)
	}

	if p.ladders != nil {
		ladder := p.ladders.Ladder(b.RankingID)
		for _, gs := range stats {
			ladder.Set(gs.UserID, gs.Elo)
		}
	}
	log.Printf("✅ battle %s settled (%d stats rows updated)", b.ID, len(stats))
	return nil
}
