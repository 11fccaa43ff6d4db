package domain

import (
	"context"
	"strings"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
	DefaultLogLimit  = 1000
)

// JobService holds the read and admission-side operations on jobs.
type JobService struct {
	repo    JobRepository
	history History
}

// JobPage is one window of a job listing.
type JobPage struct {
	Jobs   []Job
	Total  int
	Limit  int
	Offset int
}

// NewJobService creates a new JobService.
func NewJobService(repo JobRepository, history History) *JobService {
	return &JobService{repo: repo, history: history}
}

// Submit validates rawURL and creates a PENDING job for it.
func (s *JobService) Submit(ctx context.Context, rawURL string) (*Job, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	return s.repo.Create(ctx, strings.TrimSpace(rawURL))
}

// Get retrieves a job by ID.
func (s *JobService) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns one page of jobs, newest first, optionally filtered by
// status. Total counts every job matching the filter.
func (s *JobService) List(ctx context.Context, limit, offset int, status string) (*JobPage, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		return nil, ErrInvalidOffset
	}
	var filter JobStatus
	if status != "" {
		st, err := ParseStatus(status)
		if err != nil {
			return nil, err
		}
		filter = st
	}

	jobs, err := s.repo.ListRecent(ctx, limit, offset, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.repo.CountJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &JobPage{Jobs: jobs, Total: total, Limit: limit, Offset: offset}, nil
}

// Logs returns the stored log lines of a job in order.
func (s *JobService) Logs(ctx context.Context, id string, limit int) ([]LogEvent, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return s.history.Logs(ctx, id, limit)
}

// Stages returns the recorded stage outcomes of a job in execution order.
func (s *JobService) Stages(ctx context.Context, id string) ([]StageRecord, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.history.Stages(ctx, id)
}

// Stats returns job counts and the average duration of completed jobs.
func (s *JobService) Stats(ctx context.Context) (*Stats, error) {
	return s.repo.Stats(ctx)
}

// GetPending retrieves pending jobs, oldest first.
func (s *JobService) GetPending(ctx context.Context, limit int) ([]Job, error) {
	return s.repo.FindPending(ctx, limit)
}

// RecoverStale fails jobs left mid-pipeline by a previous process.
func (s *JobService) RecoverStale(ctx context.Context) (int64, error) {
	return s.repo.RecoverStale(ctx)
}
