// Package operations tracks the lifecycle of an aggregation run: the ordered
// stage machine, per-stage timing, and OpenTelemetry instrumentation.
package operations

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage is one step of the aggregation run's forward-only state machine.
type Stage string

const (
	StageLoaded        Stage = "loaded"
	StageResolved      Stage = "resolved"
	StageComputed      Stage = "computed"
	StageMerged        Stage = "merged"
	StagePostprocessed Stage = "postprocessed"
	StageWritten       Stage = "written"
)

// StageOrder is the only legal progression of a run.
var StageOrder = []Stage{
	StageLoaded,
	StageResolved,
	StageComputed,
	StageMerged,
	StagePostprocessed,
	StageWritten,
}

// Status is the overall run status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StageRecord captures the timing of one completed stage.
type StageRecord struct {
	Stage    Stage
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// RunState is the complete state of one aggregation run. Transitions only
// move forward; a failed run never resumes.
type RunState struct {
	mu sync.RWMutex

	ID        string
	Status    Status
	StartTime time.Time
	EndTime   *time.Time

	stageIdx   int
	stageStart time.Time
	Records    []StageRecord

	Err error
}

// NewRunState creates a pending run state with a fresh run ID.
func NewRunState() *RunState {
	return &RunState{
		ID:       uuid.NewString(),
		Status:   StatusPending,
		stageIdx: -1,
	}
}

// Start marks the run as running.
func (s *RunState) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusRunning
	s.StartTime = time.Now()
	s.stageStart = s.StartTime
}

// Advance records completion of the next stage in order. Out-of-order or
// backward transitions are rejected.
func (s *RunState) Advance(stage Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status != StatusRunning {
		return fmt.Errorf("run %s is %s, cannot advance to %s", s.ID, s.Status, stage)
	}
	next := s.stageIdx + 1
	if next >= len(StageOrder) || StageOrder[next] != stage {
		return fmt.Errorf("run %s: illegal transition %s -> %s", s.ID, s.currentLocked(), stage)
	}

	now := time.Now()
	s.Records = append(s.Records, StageRecord{
		Stage:    stage,
		Start:    s.stageStart,
		End:      now,
		Duration: now.Sub(s.stageStart),
	})
	s.stageIdx = next
	s.stageStart = now
	return nil
}

// Current returns the most recently completed stage, or empty if none.
func (s *RunState) Current() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentLocked()
}

func (s *RunState) currentLocked() Stage {
	if s.stageIdx < 0 {
		return ""
	}
	return StageOrder[s.stageIdx]
}

// Complete marks the run as completed. Only legal once every stage has been
// advanced through.
func (s *RunState) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stageIdx != len(StageOrder)-1 {
		return fmt.Errorf("run %s: cannot complete at stage %s", s.ID, s.currentLocked())
	}
	now := time.Now()
	s.EndTime = &now
	s.Status = StatusCompleted
	return nil
}

// Fail marks the run as failed with the terminal error.
func (s *RunState) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.EndTime = &now
	s.Status = StatusFailed
	s.Err = err
}

// Duration returns the total run duration so far, or the final duration for
// a finished run.
func (s *RunState) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	if s.StartTime.IsZero() {
		return 0
	}
	return time.Since(s.StartTime)
}
