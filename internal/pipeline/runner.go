// Package pipeline runs one job through the ordered stage plan, recording
// each transition in the job store and announcing it on the broadcaster.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/distillery/internal/domain"
)

// ErrStageTimeout marks a stage abandoned after its deadline.
var ErrStageTimeout = errors.New("stage timed out")

// Options configures a Runner.
type Options struct {
	// StageTimeout bounds every stage without its own timeout. Zero disables it.
	StageTimeout time.Duration
	// WorkDir is the parent of the per-job scratch directories. Empty disables them.
	WorkDir string
	Logger  logrus.FieldLogger
}

// Runner executes the stage sequence for one job at a time per call.
type Runner struct {
	repo    domain.JobRepository
	history domain.History
	events  domain.EventPublisher
	stages  []Stage
	opts    Options
	log     logrus.FieldLogger
}

// Report summarizes one Run.
type Report struct {
	JobID   string
	Status  domain.JobStatus
	Results []domain.StageResult
}

// NewRunner creates a Runner over the given stages.
func NewRunner(repo domain.JobRepository, history domain.History, events domain.EventPublisher, stages []Stage, opts Options) *Runner {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		repo:    repo,
		history: history,
		events:  events,
		stages:  stages,
		opts:    opts,
		log:     log,
	}
}

// Run drives jobID from PENDING to a terminal status. Cancelling ctx
// requests cooperative cancellation: the running stage sees a done context
// and no further stage starts. Store writes are not bound to ctx.
func (r *Runner) Run(ctx context.Context, jobID string) *Report {
	jr := &jobRun{
		r:      r,
		ctx:    ctx,
		store:  context.WithoutCancel(ctx),
		jobID:  jobID,
		log:    r.log.WithField("job_id", jobID),
		report: &Report{JobID: jobID},
	}
	jr.run()
	return jr.report
}

type jobRun struct {
	r        *Runner
	ctx      context.Context
	store    context.Context
	jobID    string
	job      *domain.Job
	stage    string
	log      *logrus.Entry
	report   *Report
	seq      atomic.Int64
	finished atomic.Bool
}

func (jr *jobRun) run() {
	job, err := jr.r.repo.Get(jr.store, jr.jobID)
	if err != nil {
		jr.log.WithError(err).Error("load job")
		return
	}
	jr.job = job
	jr.report.Status = job.Status
	if job.Status.IsTerminal() {
		jr.log.Infof("job already %s, skipping", job.Status)
		return
	}
	if job.Status != domain.StatusPending {
		jr.systemFailure("", fmt.Errorf("job is %s, want %s", job.Status, domain.StatusPending))
		return
	}

	jc := &domain.JobContext{
		Job:     job,
		Outputs: make(map[domain.JobStatus]any, len(jr.r.stages)),
		Log: func(level domain.LogLevel, message string) {
			jr.emit(level, jr.stage, message)
		},
	}
	if jr.r.opts.WorkDir != "" {
		jc.WorkDir = filepath.Join(jr.r.opts.WorkDir, job.ID)
		if err := os.MkdirAll(jc.WorkDir, 0755); err != nil {
			jr.systemFailure("", fmt.Errorf("create work dir: %w", err))
			return
		}
	}

	for i, st := range jr.r.stages {
		if jr.cancelled() {
			jr.cancel(st.Name())
			return
		}

		u := domain.JobUpdate{Status: &st.Status}
		if i == 0 {
			now := time.Now().UTC()
			u.StartedAt = &now
		}
		if !jr.transition(u, st.Name()) {
			return
		}
		jr.emit(domain.LevelInfo, st.Name(), fmt.Sprintf("%s started", st.Name()))

		jc.Job = jr.job
		jr.stage = st.Name()
		res := jr.execute(st, jc)
		jr.report.Results = append(jr.report.Results, res)
		jr.record(res)

		if !res.OK {
			jr.stageFailed(st, res)
			return
		}

		jc.Outputs[st.Status] = res.Payload
		jc.Previous = res.Payload
		if res.Detail != "" {
			jr.emit(domain.LevelInfo, st.Name(), res.Detail)
		}
		progress := st.Progress
		if !jr.transition(domain.JobUpdate{Progress: &progress}, st.Name()) {
			return
		}
		jr.emit(domain.LevelInfo, st.Name(), fmt.Sprintf("%s completed in %s", st.Name(), res.Duration.Round(time.Millisecond)))
	}

	jr.emit(domain.LevelInfo, domain.StatusCompleted.Stage(), "pipeline completed")
	jr.finish(domain.StatusCompleted, "")
}

// cancelled reports whether cancellation was requested, through the context
// or through the flag on the stored job.
func (jr *jobRun) cancelled() bool {
	return jr.ctx.Err() != nil || (jr.job != nil && jr.job.CancelRequested)
}

type outcome struct {
	out domain.StageOutput
	err error
}

// execute runs one stage on its own goroutine. With a timeout the runner
// stops waiting at the deadline; without one it waits for the executor to
// return, however long that takes.
func (jr *jobRun) execute(st Stage, jc *domain.JobContext) domain.StageResult {
	timeout := st.Timeout
	if timeout == 0 {
		timeout = jr.r.opts.StageTimeout
	}
	stageCtx, cancel := context.WithCancel(jr.ctx)
	defer cancel()

	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("%w: %s panicked: %v", domain.ErrSystem, st.Name(), p)}
			}
		}()
		out, err := st.Executor.Execute(stageCtx, jc)
		done <- outcome{out: out, err: err}
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	res := domain.StageResult{Stage: st.Status, StartedAt: start.UTC()}
	select {
	case o := <-done:
		res.Payload = o.out.Payload
		res.Detail = o.out.Detail
		res.Err = o.err
	case <-deadline:
		res.Err = domain.NewStageError(st.Status, fmt.Sprintf("%s timed out after %s", st.Name(), timeout), ErrStageTimeout)
	}
	res.Duration = time.Since(start)
	res.OK = res.Err == nil
	return res
}

// record stores the outcome of one stage. A failed write is logged and the
// run continues.
func (jr *jobRun) record(res domain.StageResult) {
	if err := jr.r.history.SaveStage(jr.store, domain.NewStageRecord(jr.jobID, res)); err != nil {
		jr.log.WithError(err).WithField("stage", res.Stage.Stage()).Warn("persist stage result")
	}
}

func (jr *jobRun) stageFailed(st Stage, res domain.StageResult) {
	switch {
	case errors.Is(res.Err, ErrStageTimeout):
		jr.fail(st.Name(), domain.FailureMessage(res.Err))
	case jr.cancelled() || errors.Is(res.Err, context.Canceled):
		jr.cancel(st.Name())
	case errors.Is(res.Err, domain.ErrSystem):
		jr.systemFailure(st.Name(), res.Err)
	default:
		jr.fail(st.Name(), domain.FailureMessage(res.Err))
	}
}

func (jr *jobRun) cancel(stage string) {
	jr.emit(domain.LevelWarn, stage, "job cancelled")
	jr.finish(domain.StatusCancelled, "")
}

func (jr *jobRun) fail(stage, msg string) {
	jr.emit(domain.LevelError, stage, fmt.Sprintf("%s failed: %s", stage, msg))
	jr.finish(domain.StatusFailed, msg)
}

// systemFailure records a fault in the orchestration itself. The cause is
// logged; the job only carries a generic message.
func (jr *jobRun) systemFailure(stage string, err error) {
	jr.log.WithError(err).WithField("stage", stage).Error("pipeline fault")
	jr.emit(domain.LevelError, stage, domain.ErrSystem.Error())
	jr.finish(domain.StatusFailed, domain.ErrSystem.Error())
}

func (jr *jobRun) finish(status domain.JobStatus, msg string) {
	defer jr.finished.Store(true)
	job, err := jr.r.repo.Update(jr.store, jr.jobID, domain.Terminal(status, time.Now().UTC(), msg))
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			jr.refresh()
			return
		}
		jr.log.WithError(err).Errorf("record %s", status)
		return
	}
	jr.job = job
	jr.report.Status = job.Status
	jr.r.events.PublishStatus(domain.NewStatusEvent(job, ""))
	jr.log.WithField("progress", job.Progress).Infof("job %s", job.Status)
}

// transition writes u and publishes the resulting state. It returns false
// when the run must stop.
func (jr *jobRun) transition(u domain.JobUpdate, stage string) bool {
	job, err := jr.r.repo.Update(jr.store, jr.jobID, u)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			jr.log.Info("job finished elsewhere, stopping")
			jr.finished.Store(true)
			jr.refresh()
			return false
		}
		jr.systemFailure(stage, fmt.Errorf("update job: %w", err))
		return false
	}
	jr.job = job
	jr.report.Status = job.Status
	jr.r.events.PublishStatus(domain.NewStatusEvent(job, stage))
	return true
}

func (jr *jobRun) refresh() {
	if job, err := jr.r.repo.Get(jr.store, jr.jobID); err == nil {
		jr.job = job
		jr.report.Status = job.Status
	}
}

// emit persists and publishes one log line. Lines arriving after the job
// finished, such as from an abandoned stage, are dropped.
func (jr *jobRun) emit(level domain.LogLevel, stage, message string) {
	if jr.finished.Load() {
		return
	}
	ev := domain.LogEvent{
		JobID:     jr.jobID,
		Seq:       jr.seq.Add(1),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Stage:     stage,
	}
	if err := jr.r.history.AppendLog(jr.store, ev); err != nil {
		jr.log.WithError(err).Warn("persist log line")
	}
	jr.r.events.PublishLog(ev)

	entry := jr.log
	if stage != "" {
		entry = entry.WithField("stage", stage)
	}
	entry.Log(logrusLevel(level), message)
}

func logrusLevel(level domain.LogLevel) logrus.Level {
	switch level {
	case domain.LevelDebug:
		return logrus.DebugLevel
	case domain.LevelWarn:
		return logrus.WarnLevel
	case domain.LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
