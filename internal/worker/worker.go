package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/distillery/internal/domain"
	"github.com/cwygoda/distillery/internal/pipeline"
)

// recoverBatch bounds how many pending jobs are re-enqueued at startup.
const recoverBatch = 10000

// Runner executes one job's pipeline until it reaches a terminal status.
type Runner interface {
	Run(ctx context.Context, jobID string) *pipeline.Report
}

// Options configures a Queue.
type Options struct {
	Workers int
	Logger  logrus.FieldLogger
}

// Queue admits jobs in FIFO order and runs at most Workers pipelines at once.
type Queue struct {
	svc     *domain.JobService
	repo    domain.JobRepository
	events  domain.EventPublisher
	runner  Runner
	workers int
	log     logrus.FieldLogger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []string
	running  map[string]context.CancelFunc
	started  bool
	stopping bool
	wg       sync.WaitGroup
}

// New creates a queue. Call Start to launch the workers.
func New(svc *domain.JobService, repo domain.JobRepository, events domain.EventPublisher, runner Runner, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	q := &Queue{
		svc:     svc,
		repo:    repo,
		events:  events,
		runner:  runner,
		workers: opts.Workers,
		log:     log,
		running: make(map[string]context.CancelFunc),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker slots. Calling it again has no effect.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(i)
	}
	q.log.Infof("started %d workers", q.workers)
}

// Submit validates rawURL, records a PENDING job and queues it. It never
// waits for the pipeline.
func (q *Queue) Submit(ctx context.Context, rawURL string) (*domain.Job, error) {
	job, err := q.svc.Submit(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	q.events.PublishStatus(domain.NewStatusEvent(job, ""))
	q.enqueue(job.ID)
	q.log.WithField("job_id", job.ID).Infof("enqueued %s", job.URL)
	return job, nil
}

func (q *Queue) enqueue(id string) {
	q.mu.Lock()
	q.pending = append(q.pending, id)
	q.mu.Unlock()
	q.cond.Signal()
}

// Cancel requests cancellation. A queued job becomes CANCELLED at once; a
// running job gets its cancel flag set and stops at the next stage boundary.
func (q *Queue) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	q.mu.Lock()
	if i := slices.Index(q.pending, id); i >= 0 {
		q.pending = slices.Delete(q.pending, i, i+1)
		q.mu.Unlock()
		job, err := q.cancelQueued(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrAlreadyTerminal) {
			q.mu.Lock()
			q.pending = slices.Insert(q.pending, min(i, len(q.pending)), id)
			q.mu.Unlock()
			q.cond.Signal()
		}
		return job, err
	}
	cancel, running := q.running[id]
	q.mu.Unlock()

	if running {
		flag := true
		job, err := q.repo.Update(ctx, id, domain.JobUpdate{CancelRequested: &flag})
		if err != nil {
			return nil, err
		}
		cancel()
		q.log.WithField("job_id", id).Info("cancellation requested")
		return job, nil
	}

	job, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, domain.ErrAlreadyTerminal
	}
	// Stored but never queued here, e.g. created before enqueue completed.
	return q.cancelQueued(ctx, id)
}

func (q *Queue) cancelQueued(ctx context.Context, id string) (*domain.Job, error) {
	u := domain.Terminal(domain.StatusCancelled, time.Now().UTC(), "")
	flag := true
	u.CancelRequested = &flag
	job, err := q.repo.Update(ctx, id, u)
	if err != nil {
		return nil, err
	}
	q.events.PublishStatus(domain.NewStatusEvent(job, ""))
	q.log.WithField("job_id", id).Info("cancelled before start")
	return job, nil
}

// Recover fails jobs interrupted by a previous process and re-enqueues
// pending ones, oldest first.
func (q *Queue) Recover(ctx context.Context) (failed int64, requeued int, err error) {
	failed, err = q.svc.RecoverStale(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("recover stale: %w", err)
	}
	jobs, err := q.svc.GetPending(ctx, recoverBatch)
	if err != nil {
		return failed, 0, fmt.Errorf("find pending: %w", err)
	}
	for _, job := range jobs {
		q.enqueue(job.ID)
	}
	return failed, len(jobs), nil
}

// Len returns the number of queued, unstarted jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Active returns the number of jobs currently running.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// Shutdown stops dequeuing and waits for running pipelines. When ctx ends
// first, every running job is asked to cancel and Shutdown keeps waiting
// until the workers are idle, then returns ctx's error. Queued jobs stay
// PENDING in the store.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.stopping = true
	q.mu.Unlock()
	q.cond.Broadcast()

	idle := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		q.log.Info("workers stopped")
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	n := len(q.running)
	for _, cancel := range q.running {
		cancel()
	}
	q.mu.Unlock()
	q.log.Warnf("shutdown deadline reached, cancelling %d running jobs", n)

	<-idle
	q.log.Info("workers stopped")
	return ctx.Err()
}

func (q *Queue) work(slot int) {
	defer q.wg.Done()
	log := q.log.WithField("worker", slot)
	for {
		id, ctx, ok := q.next()
		if !ok {
			log.Debug("worker shutting down")
			return
		}
		q.process(ctx, log.WithField("job_id", id), id)
	}
}

// next blocks until a job is queued or the queue is stopping.
func (q *Queue) next() (string, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.stopping {
		q.cond.Wait()
	}
	if q.stopping {
		return "", nil, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	ctx, cancel := context.WithCancel(context.Background())
	q.running[id] = cancel
	return id, ctx, true
}

func (q *Queue) process(ctx context.Context, log *logrus.Entry, id string) {
	defer func() {
		q.mu.Lock()
		cancel := q.running[id]
		delete(q.running, id)
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			log.WithField("panic", p).Error("runner panicked")
			q.failJob(id)
		}
	}()

	log.Info("processing")
	report := q.runner.Run(ctx, id)
	log.WithField("status", report.Status).Infof("finished after %d stages", len(report.Results))
}

// failJob marks a job FAILED after a fault outside the runner's own handling.
func (q *Queue) failJob(id string) {
	ctx := context.Background()
	job, err := q.repo.Update(ctx, id, domain.Terminal(domain.StatusFailed, time.Now().UTC(), domain.ErrSystem.Error()))
	if err != nil {
		if !errors.Is(err, domain.ErrAlreadyTerminal) {
			q.log.WithError(err).WithField("job_id", id).Error("mark failed")
		}
		return
	}
	q.events.PublishStatus(domain.NewStatusEvent(job, ""))
}
