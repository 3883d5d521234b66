package domain

import "sort"

// LeaderboardEntry represents a single ranked entry in a race leaderboard.
// Entries are transient: recomputed on every read, never persisted.
type LeaderboardEntry struct {
	Position int    `json:"position"`
	Name     string `json:"name"`
	Streak   int    `json:"streak"`
}

// PersonalStreakEntry is a single participant's streak without ranking
type PersonalStreakEntry struct {
	Name   string `json:"name"`
	Streak int    `json:"streak"`
}

// GroupLeaderboard groups check-ins per participant, computes each
// streak as the cumulative count of that participant's check-ins, and
// assigns dense rank positions: sorted by streak descending, ties broken
// by earliest join time, tied streaks sharing a position and the next
// distinct streak continuing at previous position + 1.
func GroupLeaderboard(participants []Participation, checkins []Checkin) []LeaderboardEntry {
	counts := make(map[string]int, len(participants))
	for _, c := range checkins {
		counts[c.ParticipationID]++
	}

	ranked := make([]Participation, len(participants))
	copy(ranked, participants)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := counts[ranked[i].ID], counts[ranked[j].ID]
		if si != sj {
			return si > sj
		}
		return ranked[i].JoinedAt.Before(ranked[j].JoinedAt)
	})

	entries := make([]LeaderboardEntry, 0, len(ranked))
	position := 0
	prevStreak := -1
	for _, p := range ranked {
		streak := counts[p.ID]
		if streak != prevStreak {
			position++
			prevStreak = streak
		}
		entries = append(entries, LeaderboardEntry{
			Position: position,
			Name:     p.Username,
			Streak:   streak,
		})
	}
	return entries
}

// PersonalStreak computes one participant's cumulative check-in count
func PersonalStreak(participant Participation, checkins []Checkin) PersonalStreakEntry {
	streak := 0
	for _, c := range checkins {
		if c.ParticipationID == participant.ID {
			streak++
		}
	}
	return PersonalStreakEntry{
		Name:   participant.Username,
		Streak: streak,
	}
}
