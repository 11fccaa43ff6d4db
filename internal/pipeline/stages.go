package pipeline

import (
	"fmt"
	"time"

	"github.com/cwygoda/distillery/internal/domain"
)

// Checkpoint is a stage status and the progress reached when it succeeds.
type Checkpoint struct {
	Status   domain.JobStatus
	Progress int
}

// Plan is the fixed stage order. It must follow domain.JobStatus.Next, which
// the stores enforce.
var Plan = []Checkpoint{
	{domain.StatusDownloading, 10},
	{domain.StatusTranscribing, 25},
	{domain.StatusTranslating, 40},
	{domain.StatusProcessingVideo, 60},
	{domain.StatusAnalyzing, 75},
	{domain.StatusPublishing, 85},
}

// Stage binds a checkpoint to the executor that performs it.
type Stage struct {
	Checkpoint
	Executor domain.StageExecutor
	// Timeout overrides the runner's stage timeout when non-zero.
	Timeout time.Duration
}

// Name returns the lowercase stage tag.
func (s Stage) Name() string {
	return s.Status.Stage()
}

// Build binds every checkpoint in Plan to its executor.
func Build(executors map[domain.JobStatus]domain.StageExecutor, timeouts map[domain.JobStatus]time.Duration) ([]Stage, error) {
	stages := make([]Stage, 0, len(Plan))
	for _, cp := range Plan {
		exec, ok := executors[cp.Status]
		if !ok || exec == nil {
			return nil, fmt.Errorf("no executor for stage %s", cp.Status.Stage())
		}
		stages = append(stages, Stage{Checkpoint: cp, Executor: exec, Timeout: timeouts[cp.Status]})
	}
	return stages, nil
}

// Lookup returns the stage status for a stage tag such as "translating".
func Lookup(name string) (domain.JobStatus, bool) {
	for _, cp := range Plan {
		if cp.Status.Stage() == name {
			return cp.Status, true
		}
	}
	return "", false
}
