package operations

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName = "surveycast.run"
	MeterName  = "surveycast"
)

// RunTracer provides OpenTelemetry instrumentation for aggregation runs.
type RunTracer struct {
	tracer trace.Tracer
	meter  metric.Meter

	stageExecutions metric.Int64Counter
	stageDuration   metric.Float64Histogram
	rowsEmitted     metric.Int64Counter
	runsTotal       metric.Int64Counter
}

// NewRunTracer creates a tracer/meter pair on the globally registered
// providers.
func NewRunTracer() (*RunTracer, error) {
	meter := otel.Meter(MeterName)

	stageExecutions, err := meter.Int64Counter("surveycast_stage_executions_total",
		metric.WithDescription("Completed run stages"))
	if err != nil {
		return nil, fmt.Errorf("create stage counter: %w", err)
	}
	stageDuration, err := meter.Float64Histogram("surveycast_stage_duration_seconds",
		metric.WithDescription("Run stage duration in seconds"))
	if err != nil {
		return nil, fmt.Errorf("create stage histogram: %w", err)
	}
	rowsEmitted, err := meter.Int64Counter("surveycast_rows_emitted_total",
		metric.WithDescription("Aggregate rows written to the export directory"))
	if err != nil {
		return nil, fmt.Errorf("create rows counter: %w", err)
	}
	runsTotal, err := meter.Int64Counter("surveycast_runs_total",
		metric.WithDescription("Aggregation runs by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}

	return &RunTracer{
		tracer:          otel.Tracer(TracerName),
		meter:           meter,
		stageExecutions: stageExecutions,
		stageDuration:   stageDuration,
		rowsEmitted:     rowsEmitted,
		runsTotal:       runsTotal,
	}, nil
}

// StartRun opens the root span for a run.
func (t *RunTracer) StartRun(ctx context.Context, runID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "run.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("run.id", runID)),
	)
}

// StartStage opens a span for one run stage.
func (t *RunTracer) StartStage(ctx context.Context, runID string, stage Stage) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("run.stage.%s", stage),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("stage", string(stage)),
		),
	)
}

// EndStage closes a stage span and records its metrics.
func (t *RunTracer) EndStage(ctx context.Context, span trace.Span, stage Stage, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("stage", string(stage)))
	t.stageExecutions.Add(ctx, 1, attrs)
	t.stageDuration.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RecordRows counts rows emitted by a successful run.
func (t *RunTracer) RecordRows(ctx context.Context, n int) {
	t.rowsEmitted.Add(ctx, int64(n))
}

// EndRun closes the root span and counts the run outcome.
func (t *RunTracer) EndRun(ctx context.Context, span trace.Span, err error) {
	outcome := "completed"
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	t.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	span.End()
}
