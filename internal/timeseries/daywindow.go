// Package timeseries derives the day-boundary query windows for cumulative
// metric recalculation.
package timeseries

import "time"

// DayWindow is one cumulative query window: QueryFrom is the experiment's
// start instant, QueryTo the UTC instant of the local midnight that closes
// one local calendar day. LocalDate identifies the closed day (midnight UTC,
// date-only semantics) and is what the engine persists as its watermark.
type DayWindow struct {
	QueryFrom time.Time
	QueryTo   time.Time
	LocalDate time.Time
}

// DayWindows returns one window per local calendar day of loc that has fully
// elapsed between start and until, in ascending order. The boundary of day N
// is the start of local day N+1 converted to UTC, so the spacing between
// consecutive boundaries follows the wall-clock length of each local day
// (23h or 25h across DST transitions, never an assumed constant 24h).
//
// The sequence is derived fresh on every call; resumability comes from the
// caller skipping a prefix, not from any stored cursor.
func DayWindows(start, until time.Time, loc *time.Location) []DayWindow {
	if loc == nil {
		loc = time.UTC
	}
	if until.Before(start) {
		return nil
	}

	localStart := start.In(loc)
	localUntil := until.In(loc)

	day := time.Date(localStart.Year(), localStart.Month(), localStart.Day(), 0, 0, 0, 0, loc)
	lastDay := time.Date(localUntil.Year(), localUntil.Month(), localUntil.Day(), 0, 0, 0, 0, loc)

	var windows []DayWindow
	for !day.After(lastDay) {
		next := day.AddDate(0, 0, 1)
		windows = append(windows, DayWindow{
			QueryFrom: start,
			QueryTo:   next.UTC(),
			LocalDate: DateOf(day),
		})
		day = next
	}
	return windows
}

// DateOf truncates t to its calendar date in t's own location, re-anchored at
// midnight UTC so dates compare and store uniformly.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
