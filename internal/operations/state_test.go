package operations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStateForwardOnly(t *testing.T) {
	s := NewRunState()
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, Stage(""), s.Current())

	s.Start()
	assert.Equal(t, StatusRunning, s.Status)

	for _, stage := range StageOrder {
		require.NoError(t, s.Advance(stage))
		assert.Equal(t, stage, s.Current())
	}
	require.NoError(t, s.Complete())
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Len(t, s.Records, len(StageOrder))
}

func TestRunStateIllegalTransitions(t *testing.T) {
	t.Run("advance before start", func(t *testing.T) {
		s := NewRunState()
		assert.Error(t, s.Advance(StageLoaded))
	})

	t.Run("skipping a stage", func(t *testing.T) {
		s := NewRunState()
		s.Start()
		require.NoError(t, s.Advance(StageLoaded))
		assert.Error(t, s.Advance(StageComputed))
	})

	t.Run("backward transition", func(t *testing.T) {
		s := NewRunState()
		s.Start()
		require.NoError(t, s.Advance(StageLoaded))
		require.NoError(t, s.Advance(StageResolved))
		assert.Error(t, s.Advance(StageLoaded))
	})

	t.Run("complete before final stage", func(t *testing.T) {
		s := NewRunState()
		s.Start()
		require.NoError(t, s.Advance(StageLoaded))
		assert.Error(t, s.Complete())
	})
}

func TestRunStateFail(t *testing.T) {
	s := NewRunState()
	s.Start()
	require.NoError(t, s.Advance(StageLoaded))

	cause := errors.New("crosswalk malformed")
	s.Fail(cause)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, cause, s.Err)
	require.NotNil(t, s.EndTime)

	// A failed run never advances again.
	assert.Error(t, s.Advance(StageResolved))
}

func TestNewRunTracer(t *testing.T) {
	// The default no-op global providers are enough to construct all
	// instruments.
	tracer, err := NewRunTracer()
	require.NoError(t, err)
	assert.NotNil(t, tracer)

	ctx, span := tracer.StartRun(context.Background(), "test-run")
	_, stageSpan := tracer.StartStage(ctx, "test-run", StageLoaded)
	tracer.EndStage(ctx, stageSpan, StageLoaded, time.Now(), nil)
	tracer.RecordRows(ctx, 10)
	tracer.EndRun(ctx, span, nil)
}
