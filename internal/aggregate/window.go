package aggregate

import "time"

// WindowBuilder expands output days into the input days contributing to
// them. It knows the earliest day present in the loaded response table so it
// can refuse under-windowed boundary days: a smoothed output day is either
// backed by its full window or not emitted at all.
type WindowBuilder struct {
	earliest time.Time
}

// NewWindowBuilder creates a builder over a table whose earliest response
// day is earliest.
func NewWindowBuilder(earliest time.Time) WindowBuilder {
	return WindowBuilder{earliest: earliest}
}

// Window returns the n consecutive input days ending at (and including) day.
// ok is false when the window would reach before the earliest loaded day,
// in which case the output day must be skipped rather than partially
// averaged.
func (b WindowBuilder) Window(day time.Time, n int) ([]time.Time, bool) {
	first := day.AddDate(0, 0, -(n - 1))
	if first.Before(b.earliest) {
		return nil, false
	}
	days := make([]time.Time, n)
	for i := range days {
		days[i] = first.AddDate(0, 0, i)
	}
	return days, true
}

// OutputDays enumerates every day the run must produce, from the backfill
// lookback boundary through the end date inclusive.
func OutputDays(start, end time.Time, backfillDays int) []time.Time {
	first := start.AddDate(0, 0, -backfillDays)
	var days []time.Time
	for d := first; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
