package domain

import "time"

// Windows generates the ordered sequence of valid check-in dates for a
// race: start inclusive, stepping stepDays while the running date stays
// at or before end. A start after end yields an empty sequence, which
// callers treat as "no valid windows" rather than an error.
func Windows(start, end time.Time, stepDays int) []time.Time {
	if stepDays <= 0 {
		return nil
	}
	var windows []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, stepDays) {
		windows = append(windows, d)
	}
	return windows
}

// WindowIndex returns the position of day within the window sequence,
// matching on the calendar-day component only. Returns -1 when the day
// is not a valid check-in window.
func WindowIndex(windows []time.Time, day time.Time) int {
	for i, w := range windows {
		if SameDay(w, day) {
			return i
		}
	}
	return -1
}

// SameDay reports whether two timestamps fall on the same calendar day
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// AfterDay reports whether a's calendar day falls after b's. Like
// SameDay it compares date components only, each in its own location,
// so a wall-clock instant never shifts the comparison across a day
// boundary.
func AfterDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay > by
	}
	if am != bm {
		return am > bm
	}
	return ad > bd
}

// StartOfDay truncates a timestamp to midnight of its calendar day
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// EndOfDay returns the last instant of a timestamp's calendar day
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}
