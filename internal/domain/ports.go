package domain

import "context"

// JobRepository is the driven port for job persistence.
// Update must be atomic. It refuses to modify a terminal job with
// ErrAlreadyTerminal and a move off the forward path with ErrInvalidTransition.
type JobRepository interface {
	Create(ctx context.Context, url string) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, u JobUpdate) (*Job, error)
	ListRecent(ctx context.Context, limit, offset int, status JobStatus) ([]Job, error)
	CountJobs(ctx context.Context, status JobStatus) (int, error)
	FindPending(ctx context.Context, limit int) ([]Job, error)
	RecoverStale(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
}

// LogRepository persists job log lines.
type LogRepository interface {
	AppendLog(ctx context.Context, ev LogEvent) error
	Logs(ctx context.Context, jobID string, limit int) ([]LogEvent, error)
}

// StageRepository keeps the outcome of every executed stage.
type StageRepository interface {
	SaveStage(ctx context.Context, rec StageRecord) error
	// Stages returns a job's records in execution order.
	Stages(ctx context.Context, jobID string) ([]StageRecord, error)
}

// History is what a run leaves behind besides the job row.
type History interface {
	LogRepository
	StageRepository
}

// Store is a record store holding jobs and their history.
type Store interface {
	JobRepository
	History
	Close() error
}

// EventPublisher fans events out to observers. Publish calls never block.
type EventPublisher interface {
	PublishStatus(ev StatusEvent)
	PublishLog(ev LogEvent)
}

// JobContext is what a stage executor sees of the job it works on.
type JobContext struct {
	Job *Job
	// Outputs holds the payloads of stages that already succeeded.
	Outputs map[JobStatus]any
	// Previous is the payload of the stage that ran just before.
	Previous any
	// WorkDir is a scratch directory owned by this job.
	WorkDir string
	// Log emits a line on the job's log channel.
	Log func(level LogLevel, message string)
}

// StageOutput is a successful stage outcome.
type StageOutput struct {
	Payload any
	Detail  string
}

// StageExecutor runs one pipeline stage. Implementations must return
// promptly once ctx is done.
type StageExecutor interface {
	Execute(ctx context.Context, jc *JobContext) (StageOutput, error)
}

// StageExecutorFunc adapts a function to StageExecutor.
type StageExecutorFunc func(ctx context.Context, jc *JobContext) (StageOutput, error)

func (f StageExecutorFunc) Execute(ctx context.Context, jc *JobContext) (StageOutput, error) {
	return f(ctx, jc)
}
