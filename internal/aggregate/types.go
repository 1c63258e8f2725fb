package aggregate

import (
	"sort"
	"time"

	"surveycast/internal/geo"
)

// Row is one finished (indicator, level, geography, day) aggregate.
type Row struct {
	Indicator           string
	Signal              string
	Level               geo.Level
	GeoID               string
	Day                 time.Time
	Estimate            float64
	StdErr              float64
	StdErrDefined       bool
	SampleSize          int
	EffectiveSampleSize float64

	// Megacounty rows pool the below-threshold counties of one day.
	Megacounty   bool
	Constituents []string
}

// Summary reports per-run diagnostics alongside successful output so
// operators can assess data completeness. Per-group data issues accumulate
// here instead of failing the run.
type Summary struct {
	RunID                 string
	UnmappedRows          map[geo.Level]int
	NonpositiveWeightRows int
	EmptyGroups           int
	SingleResponseGroups  int
	UnderWindowedDays     int
	RowsEmitted           int
}

// NewSummary creates an empty summary for a run.
func NewSummary(runID string) *Summary {
	return &Summary{RunID: runID, UnmappedRows: make(map[geo.Level]int)}
}

// merge folds one unit's diagnostics into the run summary. Unmapped and
// nonpositive-weight rows are table-level counts recorded once per run, not
// per unit, so they are not merged here.
func (s *Summary) merge(d unitDiagnostics) {
	s.EmptyGroups += d.emptyGroups
	s.SingleResponseGroups += d.singleResponseGroups
	s.UnderWindowedDays += d.underWindowedDays
}

// unitDiagnostics is the private diagnostics accumulator of one
// (indicator, level, variant) unit of work.
type unitDiagnostics struct {
	emptyGroups          int
	singleResponseGroups int
	underWindowedDays    int
}

// sortRows orders rows canonically so output is reproducible regardless of
// internal iteration order: indicator, level, signal, day, then geography.
func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Indicator != b.Indicator {
			return a.Indicator < b.Indicator
		}
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.Signal != b.Signal {
			return a.Signal < b.Signal
		}
		if !a.Day.Equal(b.Day) {
			return a.Day.Before(b.Day)
		}
		return a.GeoID < b.GeoID
	})
}
