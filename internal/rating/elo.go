package rating

import (
	"math"

	"avalon-arena/internal/store"
)

const (
	kFactor       = 100
	tokenBaseline = 3000.0

	penaltyBase  = 30.0
	penaltyFloor = 20
	penaltyCap   = 100
)

// TokenUsage is one seat's LLM consumption over the whole game.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// tokenStandard collapses a tally into one number, weighting output tokens
// three times as heavily as input.
func tokenStandard(t TokenUsage) float64 {
	return (float64(t.Input) + 3*float64(t.Output)) / 4
}

// harmonicTeamMean computes the team strength used for expected-score math.
// The harmonic mean drags the average toward the weakest seat, so one weak
// bot lowers the whole team's expectation.
func harmonicTeamMean(elos []int) float64 {
	sum := 0.0
	for _, e := range elos {
		inv := 1.0
		if e > 1 {
			inv = 1.0 / float64(e)
		}
		sum += inv
	}
	return float64(len(elos)) / sum
}

// arithmeticMean is the plain average, used by the penalty formula.
func arithmeticMean(elos []int) float64 {
	if len(elos) == 0 {
		return 0
	}
	sum := 0
	for _, e := range elos {
		sum += e
	}
	return float64(sum) / float64(len(elos))
}

// expectedScore is the standard logistic ELO expectation for team vs opp.
func expectedScore(team, opp float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (opp-team)/400))
}

// eloDelta converts one seat's result into a rating change. proportion is the
// seat's token standard over the battle average; burning more tokens than
// average inflates the expectation (and so shrinks the reward) via m.
func eloDelta(actual, expected, proportion float64) int {
	m := 0.9
	if proportion > 1 {
		m += (proportion - 1) / 3
	}
	eff := expected * m
	if eff > 1 {
		eff = 1
	}
	return int(math.Round(kFactor * (actual - eff)))
}

// clampElo applies the rating floor.
func clampElo(elo int) int {
	if elo < store.EloFloor {
		return store.EloFloor
	}
	return elo
}

// errorPenalty sizes the offender's rating loss for a faulted game. The base
// scales with how lopsided the seating was; runtime faults cost more than
// bad returns, and faults in the decisive methods carry a surcharge.
func errorPenalty(kind, method string, blueAvg, redAvg float64) int {
	p := penaltyBase + 0.10*math.Abs(blueAvg-redAvg)

	switch kind {
	case "critical_player_ERROR":
		p *= 1.5
	case "player_return_ERROR":
		p *= 1.2
	}

	switch method {
	case "walk":
		p += 10
	case "decide_mission_member":
		p += 15
	case "mission_vote2":
		p += 20
	}

	if p < penaltyFloor {
		p = penaltyFloor
	}
	if p > penaltyCap {
		p = penaltyCap
	}
	return int(math.Round(p))
}
