package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// RosterBot is one seeded bot entry: a user and the path to its source.
type RosterBot struct {
	Username string `yaml:"username"`
	AIName   string `yaml:"ai_name"`
	AIPath   string `yaml:"ai_path"`
}

// RosterLeaderboard seeds one leaderboard with its bots.
type RosterLeaderboard struct {
	RankingID int         `yaml:"ranking_id"`
	Bots      []RosterBot `yaml:"bots"`
}

// Roster is the dev/bootstrap seed file: which leaderboards exist and which
// bots start on them. Production rosters come from the battle store instead.
type Roster struct {
	Leaderboards []RosterLeaderboard `yaml:"leaderboards"`
}

// LoadRoster parses a YAML roster file. A missing path is not an error when
// optional is true (the server then starts with an empty store).
func LoadRoster(path string, optional bool) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return &Roster{}, nil
		}
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}

	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	return &r, nil
}
