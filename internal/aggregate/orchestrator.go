package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"surveycast/internal/config"
	"surveycast/internal/geo"
	"surveycast/internal/indicator"
	"surveycast/internal/operations"
	"surveycast/internal/stats"
	"surveycast/internal/survey"
)

// RowWriter persists finished aggregate rows. The exporter implements it;
// tests substitute an in-memory writer.
type RowWriter interface {
	Write(ctx context.Context, rows []Row) (int, error)
}

// variant selects the weekday/weekend slice of the table a pass runs over.
type variant int

const (
	variantAll variant = iota
	variantWeekday
	variantWeekend
)

func (v variant) suffix() string {
	switch v {
	case variantWeekday:
		return "_weekday"
	case variantWeekend:
		return "_weekend"
	}
	return ""
}

func (v variant) includes(day time.Time) bool {
	wd := day.Weekday()
	weekend := wd == time.Saturday || wd == time.Sunday
	switch v {
	case variantWeekday:
		return !weekend
	case variantWeekend:
		return weekend
	}
	return true
}

// unit is one independent (indicator, level, variant) slice of the run.
// Units share the read-only table and crosswalks but own all their
// intermediate state, so they parallelize without locks. A single group's
// rows are never split across units, keeping floating-point summation order
// fixed.
type unit struct {
	def     indicator.Definition
	level   geo.Level
	variant variant
}

// computedGroup is one (signal, day, geography) group between the compute
// and write stages. Raw observations ride along so the megacounty merge can
// pool them.
type computedGroup struct {
	signal       string
	day          time.Time
	geoID        string
	obs          []stats.Observation
	bundle       stats.Bundle
	mega         bool
	constituents []string
}

// resolvedUnit is a unit's private accumulator after the resolve stage:
// signal -> day -> geography -> observations, plus each signal's candidate
// geography universe.
type resolvedUnit struct {
	buckets    map[string]map[time.Time]map[string][]stats.Observation
	candidates map[string]map[string]struct{}
	diag       unitDiagnostics
}

// Orchestrator drives the full aggregation pass over a loaded run.
type Orchestrator struct {
	run      config.RunConfig
	table    *survey.Table
	resolver *geo.Resolver
	defs     []indicator.Definition
	writer   RowWriter
	logger   *slog.Logger
	tracer   *operations.RunTracer
}

// NewOrchestrator wires an orchestrator over frozen inputs. The tracer may
// be nil when telemetry is disabled.
func NewOrchestrator(
	run config.RunConfig,
	table *survey.Table,
	resolver *geo.Resolver,
	defs []indicator.Definition,
	writer RowWriter,
	logger *slog.Logger,
	tracer *operations.RunTracer,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		run:      run,
		table:    table,
		resolver: resolver,
		defs:     defs,
		writer:   writer,
		logger:   logger,
		tracer:   tracer,
	}
}

// Run executes the resolve through write stages. The caller owns the state
// machine's start, the load stage, and the terminal transition; on error the
// caller discards all output (the writer never moved anything out of
// staging).
func (o *Orchestrator) Run(ctx context.Context, state *operations.RunState) (*Summary, error) {
	start, end, err := o.run.Dates()
	if err != nil {
		return nil, err
	}

	// Definition errors are fatal before any computation.
	for _, def := range o.defs {
		if err := def.Validate(o.table); err != nil {
			return nil, err
		}
	}

	units := o.buildUnits()
	summary := NewSummary(state.ID)
	o.logger.InfoContext(ctx, "starting aggregation pass",
		"run_id", state.ID,
		"units", len(units),
		"rows", len(o.table.Rows),
		"parallel", o.run.Parallel,
	)

	// Resolve: explode rows across crosswalks into unit-local buckets.
	// Unmapped rows are counted once per level here, not per unit, so a
	// single dropped response never inflates the diagnostic count.
	resolved := make([]*resolvedUnit, len(units))
	err = o.runStage(ctx, state, operations.StageResolved, func() error {
		for _, level := range o.run.Levels() {
			n, err := o.countUnmappedRows(level)
			if err != nil {
				return err
			}
			summary.UnmappedRows[level] = n
		}
		summary.NonpositiveWeightRows = o.countNonpositiveWeightRows()
		if summary.NonpositiveWeightRows > 0 {
			o.logger.WarnContext(ctx, "excluding rows with nonpositive weights",
				"rows", summary.NonpositiveWeightRows)
		}
		return o.forEachUnit(ctx, units, func(i int, u unit) error {
			ru, err := o.resolveUnit(u)
			if err != nil {
				return err
			}
			resolved[i] = ru
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Compute: per-group weighted statistics over each smoothing window.
	groups := make([][]computedGroup, len(units))
	err = o.runStage(ctx, state, operations.StageComputed, func() error {
		return o.forEachUnit(ctx, units, func(i int, u unit) error {
			gs, err := o.computeUnit(u, resolved[i], start, end)
			if err != nil {
				return err
			}
			groups[i] = gs
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Merge: county-level megacounty suppression, one day at a time.
	err = o.runStage(ctx, state, operations.StageMerged, func() error {
		return o.forEachUnit(ctx, units, func(i int, u unit) error {
			if u.level != geo.LevelCounty {
				return nil
			}
			merged, err := o.mergeUnit(groups[i])
			if err != nil {
				return err
			}
			groups[i] = merged
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Postprocess: kind-specific SE formula and indicator post-processing.
	var rows []Row
	err = o.runStage(ctx, state, operations.StagePostprocessed, func() error {
		for i, u := range units {
			rows = append(rows, o.finishUnit(u, groups[i], &resolved[i].diag)...)
		}
		sortRows(rows)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range units {
		summary.merge(resolved[i].diag)
	}

	// Write: all-or-nothing hand-off to the output writer.
	err = o.runStage(ctx, state, operations.StageWritten, func() error {
		n, err := o.writer.Write(ctx, rows)
		if err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		summary.RowsEmitted = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	if o.tracer != nil {
		o.tracer.RecordRows(ctx, summary.RowsEmitted)
	}
	o.logger.InfoContext(ctx, "aggregation pass completed",
		"run_id", state.ID,
		"rows_emitted", summary.RowsEmitted,
		"empty_groups", summary.EmptyGroups,
		"single_response_groups", summary.SingleResponseGroups,
		"under_windowed_days", summary.UnderWindowedDays,
		"nonpositive_weight_rows", summary.NonpositiveWeightRows,
	)
	return summary, nil
}

// runStage executes fn inside the named stage, advancing the state machine
// and recording the stage span on success or failure.
func (o *Orchestrator) runStage(ctx context.Context, state *operations.RunState, stage operations.Stage, fn func() error) error {
	begin := time.Now()
	if o.tracer == nil {
		if err := fn(); err != nil {
			return err
		}
		return state.Advance(stage)
	}
	stageCtx, span := o.tracer.StartStage(ctx, state.ID, stage)
	err := fn()
	o.tracer.EndStage(stageCtx, span, stage, begin, err)
	if err != nil {
		return err
	}
	return state.Advance(stage)
}

// buildUnits enumerates the independent work units in deterministic order.
func (o *Orchestrator) buildUnits() []unit {
	variants := []variant{variantAll}
	if o.run.WeekdayAdjustment {
		variants = []variant{variantWeekday, variantWeekend}
	}
	var units []unit
	for _, def := range o.defs {
		for _, level := range o.run.Levels() {
			for _, v := range variants {
				units = append(units, unit{def: def, level: level, variant: v})
			}
		}
	}
	return units
}

// forEachUnit runs fn over every unit, in parallel when configured. Results
// land in index-addressed slots so completion order never affects output.
func (o *Orchestrator) forEachUnit(ctx context.Context, units []unit, fn func(i int, u unit) error) error {
	if !o.run.Parallel {
		for i, u := range units {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(i, u); err != nil {
				return err
			}
		}
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for i, u := range units {
		i, u := i, u
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(i, u)
		})
	}
	return g.Wait()
}

// countUnmappedRows counts the response rows whose fine key has no crosswalk
// entry for level. Under the abort policy the first unmapped row fails the
// run instead.
func (o *Orchestrator) countUnmappedRows(level geo.Level) (int, error) {
	count := 0
	for _, row := range o.table.Rows {
		if _, err := o.resolver.Resolve(row.GeoKey, level); err != nil {
			var unmapped *geo.UnmappedGeographyError
			if !errors.As(err, &unmapped) {
				return 0, fmt.Errorf("resolve row for level %s: %w", level, err)
			}
			if o.run.UnmappedPolicy == config.UnmappedAbort {
				return 0, fmt.Errorf("resolve row for level %s: %w", level, err)
			}
			count++
		}
	}
	return count, nil
}

// countNonpositiveWeightRows counts the rows carrying an explicit weight <= 0
// in any definition's weight column. Such rows are excluded from every group
// they would otherwise contribute to; the count surfaces the exclusions to
// operators.
func (o *Orchestrator) countNonpositiveWeightRows() int {
	cols := make(map[string]struct{})
	for _, def := range o.defs {
		cols[def.WeightColumn] = struct{}{}
	}
	count := 0
	for _, row := range o.table.Rows {
		for col := range cols {
			if w, ok := row.Value(col); ok && w <= 0 {
				count++
				break
			}
		}
	}
	return count
}

// resolveUnit walks the response table once for a unit, resolving each row's
// fine key through the crosswalk and bucketing its weighted contributions
// under every coarse geography the key maps to.
func (o *Orchestrator) resolveUnit(u unit) (*resolvedUnit, error) {
	ru := &resolvedUnit{
		buckets:    make(map[string]map[time.Time]map[string][]stats.Observation),
		candidates: make(map[string]map[string]struct{}),
	}
	signals := u.def.Signals()
	for _, sig := range signals {
		ru.buckets[sig.Name] = make(map[time.Time]map[string][]stats.Observation)
		ru.candidates[sig.Name] = make(map[string]struct{})
	}

	for _, row := range o.table.Rows {
		if !u.variant.includes(row.Day) {
			continue
		}
		weight, ok := row.Value(u.def.WeightColumn)
		if !ok || weight <= 0 {
			continue
		}
		mappings, err := o.resolver.Resolve(row.GeoKey, u.level)
		if err != nil {
			var unmapped *geo.UnmappedGeographyError
			if errors.As(err, &unmapped) && o.run.UnmappedPolicy == config.UnmappedDrop {
				continue
			}
			return nil, fmt.Errorf("resolve row for level %s: %w", u.level, err)
		}
		for _, sig := range signals {
			value, ok := sig.Extract(row.Values)
			if !ok {
				continue
			}
			days := ru.buckets[sig.Name]
			for _, m := range mappings {
				byGeo, ok := days[row.Day]
				if !ok {
					byGeo = make(map[string][]stats.Observation)
					days[row.Day] = byGeo
				}
				byGeo[m.Coarse] = append(byGeo[m.Coarse], stats.Observation{
					Value:  value,
					Weight: weight * m.Weight,
				})
				ru.candidates[sig.Name][m.Coarse] = struct{}{}
			}
		}
	}
	return ru, nil
}

// computeUnit turns a unit's buckets into per-group statistics for every
// output day whose smoothing window is fully available.
func (o *Orchestrator) computeUnit(u unit, ru *resolvedUnit, start, end time.Time) ([]computedGroup, error) {
	wb := NewWindowBuilder(o.table.MinDay())
	outputDays := OutputDays(start, end, o.run.BackfillDays)
	signals := u.def.Signals()

	var groups []computedGroup
	for _, day := range outputDays {
		window, ok := wb.Window(day, u.def.SmoothingDays)
		if !ok {
			ru.diag.underWindowedDays++
			continue
		}
		for _, sig := range signals {
			geos := sortedKeys(ru.candidates[sig.Name])
			days := ru.buckets[sig.Name]
			for _, geoID := range geos {
				var obs []stats.Observation
				for _, wd := range window {
					obs = append(obs, days[wd][geoID]...)
				}
				bundle, err := stats.Compute(obs)
				if err != nil {
					if errors.Is(err, stats.ErrInsufficientData) {
						ru.diag.emptyGroups++
						o.logger.Debug("skipping group with no contributing responses",
							"error", &stats.InsufficientDataError{
								Group: fmt.Sprintf("%s/%s/%s", sig.Name, geoID, day.Format(survey.DayFormat)),
							},
						)
						continue
					}
					return nil, fmt.Errorf("compute %s/%s/%s: %w",
						sig.Name, geoID, day.Format(survey.DayFormat), err)
				}
				groups = append(groups, computedGroup{
					signal: sig.Name,
					day:    day,
					geoID:  geoID,
					obs:    obs,
					bundle: bundle,
				})
			}
		}
	}
	return groups, nil
}

// mergeUnit applies megacounty suppression to a county unit's groups, one
// (signal, day) at a time. Megacounty membership never crosses days.
func (o *Orchestrator) mergeUnit(groups []computedGroup) ([]computedGroup, error) {
	type key struct {
		signal string
		day    time.Time
	}
	byDay := make(map[key]map[string]computedGroup)
	var order []key
	for _, g := range groups {
		k := key{signal: g.signal, day: g.day}
		if _, ok := byDay[k]; !ok {
			byDay[k] = make(map[string]computedGroup)
			order = append(order, k)
		}
		byDay[k][g.geoID] = g
	}

	var merged []computedGroup
	for _, k := range order {
		counties := byDay[k]
		countyGroups := make(CountyGroups, len(counties))
		for id, g := range counties {
			countyGroups[id] = g.obs
		}
		retained, mega, err := MergeMegacounty(countyGroups, o.run.SampleSizeThreshold)
		if err != nil {
			return nil, fmt.Errorf("merge %s/%s: %w", k.signal, k.day.Format(survey.DayFormat), err)
		}
		for _, id := range retained {
			merged = append(merged, counties[id])
		}
		if mega != nil {
			merged = append(merged, computedGroup{
				signal:       k.signal,
				day:          k.day,
				geoID:        mega.GeoID,
				obs:          nil,
				bundle:       mega.Bundle,
				mega:         true,
				constituents: mega.Constituents,
			})
		}
	}
	return merged, nil
}

// finishUnit applies the kind's standard-error formula and the indicator's
// post-processing, producing finished rows.
func (o *Orchestrator) finishUnit(u unit, groups []computedGroup, diag *unitDiagnostics) []Row {
	rows := make([]Row, 0, len(groups))
	for _, g := range groups {
		bundle := u.def.Apply(u.def.Finalize(g.bundle))
		if bundle.SampleSize == 1 {
			diag.singleResponseGroups++
		}
		rows = append(rows, Row{
			Indicator:           u.def.Name,
			Signal:              g.signal + u.variant.suffix(),
			Level:               u.level,
			GeoID:               g.geoID,
			Day:                 g.day,
			Estimate:            bundle.Estimate,
			StdErr:              bundle.StdErr,
			StdErrDefined:       bundle.StdErrDefined,
			SampleSize:          bundle.SampleSize,
			EffectiveSampleSize: bundle.EffectiveSampleSize,
			Megacounty:          g.mega,
			Constituents:        g.constituents,
		})
	}
	return rows
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
