// Package domaintest provides helpers for tests that need stored jobs in a
// particular state.
package domaintest

import (
	"context"
	"testing"
	"time"

	"github.com/cwygoda/distillery/internal/domain"
)

// Advance moves job id forward one stage at a time until it reaches to,
// which must lie ahead of it on the forward path. COMPLETED is written
// with the current time. Any store error fails the test.
func Advance(t testing.TB, repo domain.JobRepository, id string, to domain.JobStatus) *domain.Job {
	t.Helper()
	ctx := context.Background()
	job, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("load job %s: %v", id, err)
	}
	for job.Status != to {
		next, ok := job.Status.Next()
		if !ok {
			t.Fatalf("job %s cannot advance from %s to %s", id, job.Status, to)
		}
		u := domain.JobUpdate{Status: &next}
		if next == domain.StatusCompleted {
			u = domain.Terminal(next, time.Now().UTC(), "")
		}
		if job, err = repo.Update(ctx, id, u); err != nil {
			t.Fatalf("advance job %s to %s: %v", id, next, err)
		}
	}
	return job
}
