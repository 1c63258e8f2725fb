// Command aggregator runs one daily aggregation pass: it loads the response
// table, crosswalks, and indicator definitions, produces smoothed,
// privacy-suppressed per-geography aggregates, and publishes them as CSV
// files.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"surveycast/internal/aggregate"
	"surveycast/internal/config"
	"surveycast/internal/exporter"
	"surveycast/internal/geo"
	"surveycast/internal/indicator"
	"surveycast/internal/infrastructure"
	"surveycast/internal/operations"
	"surveycast/internal/survey"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the run configuration file")
	responses := flag.String("responses", "", "override the response table path")
	exportDir := flag.String("out", "", "override the export directory")
	flag.Parse()

	if err := run(*configPath, *responses, *exportDir); err != nil {
		slog.Error("aggregation run failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, responsesOverride, exportOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if responsesOverride != "" {
		cfg.Paths.Responses = responsesOverride
	}
	if exportOverride != "" {
		cfg.Paths.ExportDir = exportOverride
	}

	logger, closeLog, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := context.Background()
	providers, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer providers.Shutdown(ctx)

	var tracer *operations.RunTracer
	if cfg.Telemetry.EnableTracing || cfg.Telemetry.EnableMetrics {
		tracer, err = operations.NewRunTracer()
		if err != nil {
			return err
		}
	}

	state := operations.NewRunState()
	state.Start()
	logger.InfoContext(ctx, "run starting",
		"run_id", state.ID,
		"start_date", cfg.Run.StartDate,
		"end_date", cfg.Run.EndDate,
		"backfill_days", cfg.Run.BackfillDays,
		"levels", cfg.Run.GeographyLevels,
	)

	summary, err := execute(ctx, cfg, state, tracer, logger)
	if err != nil {
		state.Fail(err)
		return err
	}
	if err := state.Complete(); err != nil {
		return err
	}

	logger.InfoContext(ctx, "run completed",
		"run_id", state.ID,
		"duration", state.Duration().String(),
		"rows_emitted", summary.RowsEmitted,
		"empty_groups", summary.EmptyGroups,
		"single_response_groups", summary.SingleResponseGroups,
		"under_windowed_days", summary.UnderWindowedDays,
		"nonpositive_weight_rows", summary.NonpositiveWeightRows,
		"unmapped_rows", summary.UnmappedRows,
	)
	return nil
}

func execute(
	ctx context.Context,
	cfg *config.Config,
	state *operations.RunState,
	tracer *operations.RunTracer,
	logger *slog.Logger,
) (*aggregate.Summary, error) {
	table, err := survey.LoadTable(cfg.Paths.Responses, logger)
	if err != nil {
		return nil, err
	}

	crosswalks := make([]*geo.Crosswalk, 0, len(cfg.Run.GeographyLevels))
	for _, level := range cfg.Run.Levels() {
		path := filepath.Join(cfg.Paths.CrosswalkDir, fmt.Sprintf("%s.csv", level))
		cw, err := geo.LoadCrosswalk(path, level)
		if err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "loaded crosswalk", "level", level, "fine_keys", cw.Size())
		crosswalks = append(crosswalks, cw)
	}
	resolver := geo.NewResolver(crosswalks...)

	defs, err := indicator.Load(cfg.Paths.Indicators)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "loaded indicator definitions", "count", len(defs))

	if err := state.Advance(operations.StageLoaded); err != nil {
		return nil, err
	}

	writer := exporter.NewWriter(cfg.Paths.ExportDir, cfg.Paths.StagingDir, logger)
	orch := aggregate.NewOrchestrator(cfg.Run, table, resolver, defs, writer, logger, tracer)

	if tracer == nil {
		return orch.Run(ctx, state)
	}
	runCtx, span := tracer.StartRun(ctx, state.ID)
	summary, err := orch.Run(runCtx, state)
	tracer.EndRun(runCtx, span, err)
	return summary, err
}
