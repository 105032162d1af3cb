package game

import (
	"fmt"
	"math/rand"
	"strconv"
)

// Directions accepted from walk().
var moveDeltas = map[string][2]int{
	"up":    {0, -1},
	"down":  {0, 1},
	"left":  {-1, 0},
	"right": {1, 0},
}

// MaxMovesPerTurn bounds a single walk() return.
const MaxMovesPerTurn = 3

// Board is the 9x9 grid. Cell values are 0 (empty) or a player id; each
// player occupies exactly one cell.
type Board struct {
	grid [MapSize][MapSize]int
	pos  [PlayerCount + 1][2]int // indexed by player id, [x, y]
}

// NewBoard places the seven players on distinct random cells.
func NewBoard(rng *rand.Rand) *Board {
	b := &Board{}
	for player := 1; player <= PlayerCount; player++ {
		for {
			x, y := rng.Intn(MapSize), rng.Intn(MapSize)
			if b.grid[y][x] == 0 {
				b.grid[y][x] = player
				b.pos[player] = [2]int{x, y}
				break
			}
		}
	}
	return b
}

// Grid returns a copy of the map as nested slices (bot-facing form).
func (b *Board) Grid() [][]int {
	out := make([][]int, MapSize)
	for y := 0; y < MapSize; y++ {
		row := make([]int, MapSize)
		for x := 0; x < MapSize; x++ {
			row[x] = b.grid[y][x]
		}
		out[y] = row
	}
	return out
}

// Positions returns player id (as a string key, JSON-friendly) -> [x, y].
func (b *Board) Positions() map[string][]int {
	out := make(map[string][]int, PlayerCount)
	for player := 1; player <= PlayerCount; player++ {
		p := b.pos[player]
		out[strconv.Itoa(player)] = []int{p[0], p[1]}
	}
	return out
}

// Position returns a player's [x, y].
func (b *Board) Position(player int) (int, int) {
	p := b.pos[player]
	return p[0], p[1]
}

// Move applies one step. The step must be a known direction, stay in bounds,
// and land on an unoccupied cell; any violation is an error the referee
// treats as fatal on the mover.
func (b *Board) Move(player int, dir string) error {
	delta, ok := moveDeltas[dir]
	if !ok {
		return fmt.Errorf("invalid move type %q", dir)
	}
	cur := b.pos[player]
	nx, ny := cur[0]+delta[0], cur[1]+delta[1]
	if nx < 0 || nx >= MapSize || ny < 0 || ny >= MapSize {
		return fmt.Errorf("move %q leaves the map from (%d,%d)", dir, cur[0], cur[1])
	}
	if b.grid[ny][nx] != 0 {
		return fmt.Errorf("move %q lands on occupied cell (%d,%d)", dir, nx, ny)
	}
	b.grid[cur[1]][cur[0]] = 0
	b.grid[ny][nx] = player
	b.pos[player] = [2]int{nx, ny}
	return nil
}

// Chebyshev is the hearing distance metric.
func (b *Board) Chebyshev(a, c int) int {
	pa, pc := b.pos[a], b.pos[c]
	dx := abs(pa[0] - pc[0])
	dy := abs(pa[1] - pc[1])
	if dx > dy {
		return dx
	}
	return dy
}

// Listeners returns the players within radius of the speaker, excluding the
// speaker, ascending id.
func (b *Board) Listeners(speaker, radius int) []int {
	var out []int
	for player := 1; player <= PlayerCount; player++ {
		if player == speaker {
			continue
		}
		if b.Chebyshev(speaker, player) <= radius {
			out = append(out, player)
		}
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
