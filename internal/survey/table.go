package survey

import (
	"fmt"
	"sort"
	"time"
)

// DayFormat is the canonical day layout for response and output rows.
const DayFormat = "2006-01-02"

// Row is one respondent-day observation. Signal and weight columns are
// addressed by name through Values; a column absent from the map means the
// respondent skipped that item. Rows are immutable once loaded; the engine
// only derives new data from them.
type Row struct {
	RespondentID string
	GeoKey       string
	Day          time.Time
	Values       map[string]float64
}

// Value returns the named column's value and whether it was answered.
func (r Row) Value(column string) (float64, bool) {
	v, ok := r.Values[column]
	return v, ok
}

// Table is the loaded, already-deduplicated response table the engine
// consumes. Read-only for the duration of a run.
type Table struct {
	Rows    []Row
	columns map[string]struct{}
	minDay  time.Time
	maxDay  time.Time
}

// NewTable builds a table over rows, indexing the value columns present and
// the observed day range.
func NewTable(rows []Row) *Table {
	t := &Table{Rows: rows, columns: make(map[string]struct{})}
	for i, row := range rows {
		for col := range row.Values {
			t.columns[col] = struct{}{}
		}
		if i == 0 || row.Day.Before(t.minDay) {
			t.minDay = row.Day
		}
		if i == 0 || row.Day.After(t.maxDay) {
			t.maxDay = row.Day
		}
	}
	return t
}

// HasColumn reports whether any row carries the named value column.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.columns[name]
	return ok
}

// Columns returns the value column names in sorted order.
func (t *Table) Columns() []string {
	cols := make([]string, 0, len(t.columns))
	for c := range t.columns {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// MinDay returns the earliest day present in the table.
func (t *Table) MinDay() time.Time { return t.minDay }

// MaxDay returns the latest day present in the table.
func (t *Table) MaxDay() time.Time { return t.maxDay }

// ParseDay parses a canonical day string into a UTC midnight time.
func ParseDay(s string) (time.Time, error) {
	day, err := time.ParseInLocation(DayFormat, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day %q: %w", s, err)
	}
	return day, nil
}
