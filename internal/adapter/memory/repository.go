// Package memory is an in-process job store. It does not survive restarts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/distillery/internal/domain"
)

// Repository implements domain.Store in memory.
type Repository struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	// order holds job ids in creation order.
	order  []string
	logs   map[string][]domain.LogEvent
	stages map[string][]domain.StageRecord
}

var _ domain.Store = (*Repository)(nil)

// New creates an empty repository.
func New() *Repository {
	return &Repository{
		jobs:   make(map[string]*domain.Job),
		logs:   make(map[string][]domain.LogEvent),
		stages: make(map[string][]domain.StageRecord),
	}
}

// Close is a no-op.
func (r *Repository) Close() error {
	return nil
}

// Create inserts a new pending job.
func (r *Repository) Create(ctx context.Context, url string) (*domain.Job, error) {
	now := time.Now().UTC()
	job := &domain.Job{
		ID:        uuid.NewString(),
		URL:       url,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.order = append(r.order, job.ID)
	r.mu.Unlock()

	return clone(job), nil
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return clone(job), nil
}

// Update applies u atomically unless the job is terminal or u would skip
// or reverse a stage.
func (r *Repository) Update(ctx context.Context, id string, u domain.JobUpdate) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if err := u.Check(job.Status); err != nil {
		return nil, err
	}
	u.Apply(job)
	job.UpdatedAt = time.Now().UTC()
	return clone(job), nil
}

// ListRecent returns up to limit jobs after skipping offset, newest first.
func (r *Repository) ListRecent(ctx context.Context, limit, offset int, status domain.JobStatus) ([]domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Job
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		job := r.jobs[r.order[i]]
		if status != "" && job.Status != status {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		out = append(out, *clone(job))
	}
	return out, nil
}

// CountJobs counts jobs in status, or all jobs when status is empty.
func (r *Repository) CountJobs(ctx context.Context, status domain.JobStatus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if status == "" {
		return len(r.jobs), nil
	}
	n := 0
	for _, job := range r.jobs {
		if job.Status == status {
			n++
		}
	}
	return n, nil
}

// FindPending returns pending jobs, oldest first.
func (r *Repository) FindPending(ctx context.Context, limit int) ([]domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Job
	for _, id := range r.order {
		if len(out) >= limit {
			break
		}
		if job := r.jobs[id]; job.Status == domain.StatusPending {
			out = append(out, *clone(job))
		}
	}
	return out, nil
}

// RecoverStale fails every job left in a running status.
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, job := range r.jobs {
		if job.Status.IsRunning() {
			domain.Terminal(domain.StatusFailed, now, domain.RecoveredMessage).Apply(job)
			job.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// Stats computes counts over all stored jobs.
func (r *Repository) Stats(ctx context.Context) (*domain.Stats, error) {
	r.mu.RLock()
	jobs := make([]domain.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, *job)
	}
	r.mu.RUnlock()
	return domain.StatsFromJobs(jobs), nil
}

// AppendLog stores one log line.
func (r *Repository) AppendLog(ctx context.Context, ev domain.LogEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[ev.JobID] = append(r.logs[ev.JobID], ev)
	return nil
}

// Logs returns up to limit log lines of a job ordered by sequence.
func (r *Repository) Logs(ctx context.Context, jobID string, limit int) ([]domain.LogEvent, error) {
	r.mu.RLock()
	out := append([]domain.LogEvent(nil), r.logs[jobID]...)
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveStage stores one stage outcome.
func (r *Repository) SaveStage(ctx context.Context, rec domain.StageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[rec.JobID] = append(r.stages[rec.JobID], rec)
	return nil
}

// Stages returns a job's stage outcomes in the order they were saved.
func (r *Repository) Stages(ctx context.Context, jobID string) ([]domain.StageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.StageRecord(nil), r.stages[jobID]...), nil
}

func clone(job *domain.Job) *domain.Job {
	c := *job
	if job.StartedAt != nil {
		t := *job.StartedAt
		c.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
