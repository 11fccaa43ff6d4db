package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/cwygoda/distillery/internal/config"
	"github.com/cwygoda/distillery/internal/domain"
	"github.com/cwygoda/distillery/internal/pipeline"
)

// Passthrough hands the previous payload on unchanged. It stands in for
// stages nobody configured.
var Passthrough = domain.StageExecutorFunc(func(ctx context.Context, jc *domain.JobContext) (domain.StageOutput, error) {
	if err := ctx.Err(); err != nil {
		return domain.StageOutput{}, err
	}
	return domain.StageOutput{Payload: jc.Previous, Detail: "no executor configured, skipped"}, nil
})

// Registry binds pipeline stages to executors.
type Registry struct {
	executors map[domain.JobStatus]domain.StageExecutor
	timeouts  map[domain.JobStatus]time.Duration
}

// NewRegistry creates a registry with every stage bound to Passthrough.
func NewRegistry() *Registry {
	r := &Registry{
		executors: make(map[domain.JobStatus]domain.StageExecutor, len(pipeline.Plan)),
		timeouts:  make(map[domain.JobStatus]time.Duration),
	}
	for _, cp := range pipeline.Plan {
		r.executors[cp.Status] = Passthrough
	}
	return r
}

// FromConfig builds a registry from [[stage]] entries.
func FromConfig(stages []config.StageConfig) (*Registry, error) {
	r := NewRegistry()
	for _, sc := range stages {
		status, ok := pipeline.Lookup(sc.Name)
		if !ok {
			return nil, fmt.Errorf("unknown stage %q", sc.Name)
		}
		exec, err := build(status, sc)
		if err != nil {
			return nil, err
		}
		r.Register(status, exec, sc.Timeout.Duration)
	}
	return r, nil
}

func build(status domain.JobStatus, sc config.StageConfig) (domain.StageExecutor, error) {
	switch sc.Builtin {
	case "":
		return NewCommandExecutor(status, sc.Command, sc.Args)
	case "passthrough":
		return Passthrough, nil
	case "youtube":
		if status != domain.StatusDownloading {
			return nil, fmt.Errorf("stage %s: builtin youtube only serves downloading", sc.Name)
		}
		return NewYouTubeDownloader(""), nil
	default:
		return nil, fmt.Errorf("stage %s: unknown builtin %q", sc.Name, sc.Builtin)
	}
}

// Register binds stage to exec. A zero timeout defers to the runner default.
func (r *Registry) Register(stage domain.JobStatus, exec domain.StageExecutor, timeout time.Duration) {
	r.executors[stage] = exec
	if timeout > 0 {
		r.timeouts[stage] = timeout
	} else {
		delete(r.timeouts, stage)
	}
}

// Executor returns the executor bound to stage, or nil.
func (r *Registry) Executor(stage domain.JobStatus) domain.StageExecutor {
	return r.executors[stage]
}

// Timeout returns the timeout override of stage. ok is false when the
// stage uses the runner default.
func (r *Registry) Timeout(stage domain.JobStatus) (d time.Duration, ok bool) {
	d, ok = r.timeouts[stage]
	return d, ok
}

// Stages binds the registry into the pipeline plan.
func (r *Registry) Stages() ([]pipeline.Stage, error) {
	return pipeline.Build(r.executors, r.timeouts)
}
