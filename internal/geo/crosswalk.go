// Package geo resolves fine-grained geographic keys to coarser reporting
// geographies through weighted crosswalk tables.
package geo

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
)

// Level identifies a reporting geography resolution.
type Level string

const (
	LevelCounty Level = "county"
	LevelState  Level = "state"
	LevelMSA    Level = "msa"
	LevelHRR    Level = "hrr"
	LevelNation Level = "nation"
)

// KnownLevels lists every level a run configuration may request.
var KnownLevels = []Level{LevelCounty, LevelState, LevelMSA, LevelHRR, LevelNation}

// Mapping is one coarse geography a fine key belongs to, with its membership
// weight in (0, 1]. Weights for a fine key need not sum to 1; a key split
// across regions or duplicated into overlapping regions is handled through
// weight redistribution, never deduplication.
type Mapping struct {
	Coarse string
	Weight float64
}

// UnmappedGeographyError reports a fine key with no crosswalk entries for a
// level. Whether the row is dropped or the run aborts is the caller's policy.
type UnmappedGeographyError struct {
	Key   string
	Level Level
}

func (e *UnmappedGeographyError) Error() string {
	return fmt.Sprintf("geographic key %q has no crosswalk entry for level %s", e.Key, e.Level)
}

// CrosswalkLoadError reports a malformed or unreadable crosswalk table. It is
// fatal to the run.
type CrosswalkLoadError struct {
	Path   string
	Level  Level
	Reason string
	Err    error
}

func (e *CrosswalkLoadError) Error() string {
	return fmt.Sprintf("crosswalk %s for level %s: %s", e.Path, e.Level, e.Reason)
}

func (e *CrosswalkLoadError) Unwrap() error { return e.Err }

// Crosswalk maps fine geographic keys to weighted coarse geographies for one
// level. Loaded once per run, read-only thereafter.
type Crosswalk struct {
	level   Level
	entries map[string][]Mapping
}

// Level returns the coarse geography level this crosswalk targets.
func (c *Crosswalk) Level() Level { return c.level }

// Size returns the number of distinct fine keys in the table.
func (c *Crosswalk) Size() int { return len(c.entries) }

// LoadCrosswalk reads a fine,coarse,weight CSV table for one level. The
// header row is required. Weights must lie in (0, 1].
func LoadCrosswalk(path string, level Level) (*Crosswalk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &CrosswalkLoadError{Path: path, Level: level, Reason: "open failed", Err: err}
	}
	defer f.Close()
	cw, err := ReadCrosswalk(f, level)
	if err != nil {
		if le, ok := err.(*CrosswalkLoadError); ok {
			le.Path = path
		}
		return nil, err
	}
	return cw, nil
}

// ReadCrosswalk parses a crosswalk table from r. Split out from LoadCrosswalk
// so tests can feed tables without touching the filesystem.
func ReadCrosswalk(r io.Reader, level Level) (*Crosswalk, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3

	header, err := reader.Read()
	if err != nil {
		return nil, &CrosswalkLoadError{Level: level, Reason: "missing header row", Err: err}
	}
	if header[0] != "fine" || header[1] != "coarse" || header[2] != "weight" {
		return nil, &CrosswalkLoadError{
			Level:  level,
			Reason: fmt.Sprintf("unexpected columns %v, want [fine coarse weight]", header),
		}
	}

	entries := make(map[string][]Mapping)
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, &CrosswalkLoadError{Level: level, Reason: fmt.Sprintf("parse error at line %d", line), Err: err}
		}
		fine, coarse := record[0], record[1]
		if fine == "" || coarse == "" {
			return nil, &CrosswalkLoadError{Level: level, Reason: fmt.Sprintf("empty key at line %d", line)}
		}
		weight, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, &CrosswalkLoadError{Level: level, Reason: fmt.Sprintf("bad weight %q at line %d", record[2], line), Err: err}
		}
		if weight <= 0 || weight > 1 {
			return nil, &CrosswalkLoadError{Level: level, Reason: fmt.Sprintf("weight %g out of (0,1] at line %d", weight, line)}
		}
		entries[fine] = append(entries[fine], Mapping{Coarse: coarse, Weight: weight})
	}
	if len(entries) == 0 {
		return nil, &CrosswalkLoadError{Level: level, Reason: "table has no entries"}
	}

	// Deterministic resolution order for every fine key.
	for fine := range entries {
		sort.Slice(entries[fine], func(i, j int) bool {
			return entries[fine][i].Coarse < entries[fine][j].Coarse
		})
	}

	return &Crosswalk{level: level, entries: entries}, nil
}

// Resolver holds the crosswalks for every level produced this run and
// resolves fine keys against any of them independently.
type Resolver struct {
	crosswalks map[Level]*Crosswalk
}

// NewResolver builds a resolver over the given crosswalks.
func NewResolver(crosswalks ...*Crosswalk) *Resolver {
	m := make(map[Level]*Crosswalk, len(crosswalks))
	for _, cw := range crosswalks {
		m[cw.level] = cw
	}
	return &Resolver{crosswalks: m}
}

// Levels returns the loaded levels in sorted order.
func (r *Resolver) Levels() []Level {
	levels := make([]Level, 0, len(r.crosswalks))
	for l := range r.crosswalks {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	return levels
}

// Resolve returns the weighted coarse geographies a fine key belongs to at
// the requested level. The returned slice is shared and must not be mutated.
func (r *Resolver) Resolve(fine string, level Level) ([]Mapping, error) {
	cw, ok := r.crosswalks[level]
	if !ok {
		return nil, &UnmappedGeographyError{Key: fine, Level: level}
	}
	mappings, ok := cw.entries[fine]
	if !ok {
		return nil, &UnmappedGeographyError{Key: fine, Level: level}
	}
	return mappings, nil
}
