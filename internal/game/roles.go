// Package game implements the single-game rule engine: role assignment, the
// night phase, mission rounds with proposals, speeches, movement and votes,
// and the endgame assassination. One referee drives one battle on one
// goroutine; there is no intra-game parallelism among bot calls.
package game

const (
	PlayerCount      = 7
	MapSize          = 9
	MaxMissionRounds = 5
	MaxVoteRounds    = 5

	// Public vote approval needs floor(7/2)+1 = 4 yes votes; an exact tie is
	// impossible with 7 voters, below 4 rejects.
	ApproveThreshold = PlayerCount/2 + 1
)

// MissionMemberCount is the team size per mission round (1-indexed round - 1).
var MissionMemberCount = [MaxMissionRounds]int{2, 3, 3, 4, 4}

const (
	RoleMerlin   = "Merlin"
	RolePercival = "Percival"
	RoleKnight   = "Knight"
	RoleMorgana  = "Morgana"
	RoleAssassin = "Assassin"
	RoleOberon   = "Oberon"
)

// allRoles is the fixed 7-seat deck: four blue (Knight doubled) and three red.
var allRoles = [PlayerCount]string{
	RoleMerlin, RolePercival, RoleKnight, RoleKnight,
	RoleMorgana, RoleAssassin, RoleOberon,
}

// IsRed reports whether the role plays for the red side.
func IsRed(role string) bool {
	return role == RoleMorgana || role == RoleAssassin || role == RoleOberon
}

// IsBlue reports whether the role plays for the blue side.
func IsBlue(role string) bool {
	return role == RoleMerlin || role == RolePercival || role == RoleKnight
}

// HearingRadius is the Chebyshev distance within which a speaker's limited
// speech is delivered. Knight and Oberon carry the wider radius.
func HearingRadius(role string) int {
	if role == RoleKnight || role == RoleOberon {
		return 2
	}
	return 1
}

const (
	TeamBlue = "blue"
	TeamRed  = "red"
)

// TeamOf maps a role to its side.
func TeamOf(role string) string {
	if IsRed(role) {
		return TeamRed
	}
	return TeamBlue
}

// Win reasons carried in the game result.
const (
	WinAssassinationSuccess = "assassination_success"
	WinAssassinationFailed  = "missions_complete_and_assassination_failed"
	WinMissionsFailed       = "missions_failed"
	WinTerminated           = "terminated_due_to_status_change"
)
