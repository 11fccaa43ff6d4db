package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cwygoda/distillery/internal/domain"
	"github.com/cwygoda/distillery/internal/domain/domaintest"
)

func setupTestRepo(t *testing.T) (*Repository, func()) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cleanup := func() {
		repo.Close()
		os.Remove(dbPath)
	}
	return repo, cleanup
}

func TestRepository_Create(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	url := "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

	job, err := repo.Create(ctx, url)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if job.ID == "" {
		t.Error("Create() job.ID is empty")
	}
	if job.URL != url {
		t.Errorf("Create() job.URL = %q, want %q", job.URL, url)
	}
	if job.Status != domain.StatusPending {
		t.Errorf("Create() job.Status = %q, want %q", job.Status, domain.StatusPending)
	}
	if job.Progress != 0 || job.StartedAt != nil || job.CompletedAt != nil {
		t.Errorf("Create() job = %+v, want fresh job", job)
	}

	other, _ := repo.Create(ctx, url)
	if other.ID == job.ID {
		t.Error("Create() reused an id")
	}
}

func TestRepository_Get(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()

	created, _ := repo.Create(ctx, "https://youtu.be/dQw4w9WgXcQ")

	job, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if job.ID != created.ID || job.URL != created.URL {
		t.Errorf("Get() = %+v, want %+v", job, created)
	}
	if !job.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("Get() CreatedAt = %v, want %v", job.CreatedAt, created.CreatedAt)
	}

	_, err = repo.Get(ctx, "missing")
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Get() error = %v, want %v", err, domain.ErrJobNotFound)
	}
}

func TestRepository_Update(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	job, _ := repo.Create(ctx, "https://youtu.be/dQw4w9WgXcQ")

	status := domain.StatusDownloading
	started := time.Now().UTC()
	got, err := repo.Update(ctx, job.ID, domain.JobUpdate{Status: &status, StartedAt: &started})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got.Status != domain.StatusDownloading {
		t.Errorf("Update() status = %q, want %q", got.Status, domain.StatusDownloading)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("Update() StartedAt = %v, want %v", got.StartedAt, started)
	}

	progress := 10
	flag := true
	got, err = repo.Update(ctx, job.ID, domain.JobUpdate{Progress: &progress, CancelRequested: &flag})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got.Progress != 10 || !got.CancelRequested || got.Status != domain.StatusDownloading {
		t.Errorf("Update() = %+v", got)
	}

	stored, _ := repo.Get(ctx, job.ID)
	if stored.Progress != 10 || !stored.CancelRequested {
		t.Errorf("stored job = %+v", stored)
	}
}

func TestRepository_UpdateRefusesTerminal(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	job, _ := repo.Create(ctx, "https://youtu.be/dQw4w9WgXcQ")

	done, err := repo.Update(ctx, job.ID, domain.Terminal(domain.StatusFailed, time.Now().UTC(), "quota exceeded"))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if done.Error != "quota exceeded" || done.CompletedAt == nil {
		t.Errorf("failed job = %+v", done)
	}

	progress := 50
	_, err = repo.Update(ctx, job.ID, domain.JobUpdate{Progress: &progress})
	if !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Errorf("Update() error = %v, want %v", err, domain.ErrAlreadyTerminal)
	}

	stored, _ := repo.Get(ctx, job.ID)
	if stored.Progress != 0 || !stored.UpdatedAt.Equal(done.UpdatedAt) {
		t.Errorf("terminal job changed: %+v", stored)
	}

	_, err = repo.Update(ctx, "missing", domain.JobUpdate{Progress: &progress})
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Update() error = %v, want %v", err, domain.ErrJobNotFound)
	}
}

func TestRepository_ConcurrentTerminal(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	job, _ := repo.Create(ctx, "https://youtu.be/dQw4w9WgXcQ")
	domaintest.Advance(t, repo, job.ID, domain.StatusPublishing)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, status := range []domain.JobStatus{domain.StatusCompleted, domain.StatusCancelled, domain.StatusFailed} {
		wg.Add(1)
		go func(status domain.JobStatus) {
			defer wg.Done()
			if _, err := repo.Update(ctx, job.ID, domain.Terminal(status, time.Now().UTC(), "x")); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(status)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("terminal updates applied = %d, want 1", wins)
	}
}

func TestRepository_UpdateRefusesSkippedStage(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	job, _ := repo.Create(ctx, "https://youtu.be/dQw4w9WgXcQ")

	translating := domain.StatusTranslating
	_, err := repo.Update(ctx, job.ID, domain.JobUpdate{Status: &translating})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("Update() error = %v, want %v", err, domain.ErrInvalidTransition)
	}
	_, err = repo.Update(ctx, job.ID, domain.Terminal(domain.StatusCompleted, time.Now().UTC(), ""))
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("Update(COMPLETED) error = %v, want %v", err, domain.ErrInvalidTransition)
	}

	stored, _ := repo.Get(ctx, job.ID)
	if stored.Status != domain.StatusPending {
		t.Errorf("status = %q, want %q", stored.Status, domain.StatusPending)
	}

	got := domaintest.Advance(t, repo, job.ID, domain.StatusCompleted)
	if got.Progress != 100 || got.CompletedAt == nil {
		t.Errorf("completed job = %+v", got)
	}
}

func TestRepository_ListRecent(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	a, _ := repo.Create(ctx, "https://youtu.be/aaaaaaaaaaa")
	b, _ := repo.Create(ctx, "https://youtu.be/bbbbbbbbbbb")
	c, _ := repo.Create(ctx, "https://youtu.be/ccccccccccc")
	repo.Update(ctx, b.ID, domain.Terminal(domain.StatusFailed, time.Now().UTC(), "boom"))

	jobs, err := repo.ListRecent(ctx, 10, 0, "")
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(jobs) != 3 || jobs[0].ID != c.ID || jobs[1].ID != b.ID || jobs[2].ID != a.ID {
		t.Errorf("ListRecent() order wrong: %+v", jobs)
	}

	jobs, _ = repo.ListRecent(ctx, 2, 0, "")
	if len(jobs) != 2 {
		t.Errorf("ListRecent() returned %d jobs, want 2", len(jobs))
	}

	jobs, _ = repo.ListRecent(ctx, 2, 2, "")
	if len(jobs) != 1 || jobs[0].ID != a.ID {
		t.Errorf("ListRecent(offset 2) = %+v, want only the oldest job", jobs)
	}

	jobs, _ = repo.ListRecent(ctx, 10, 0, domain.StatusFailed)
	if len(jobs) != 1 || jobs[0].ID != b.ID {
		t.Errorf("ListRecent(FAILED) = %+v", jobs)
	}

	if n, err := repo.CountJobs(ctx, ""); err != nil || n != 3 {
		t.Errorf("CountJobs() = %d, %v, want 3", n, err)
	}
	if n, _ := repo.CountJobs(ctx, domain.StatusFailed); n != 1 {
		t.Errorf("CountJobs(FAILED) = %d, want 1", n)
	}
	if n, _ := repo.CountJobs(ctx, domain.StatusCompleted); n != 0 {
		t.Errorf("CountJobs(COMPLETED) = %d, want 0", n)
	}
}

func TestRepository_FindPending(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()

	first, _ := repo.Create(ctx, "https://youtu.be/aaaaaaaaaaa")
	repo.Create(ctx, "https://youtu.be/bbbbbbbbbbb")
	repo.Create(ctx, "https://youtu.be/ccccccccccc")

	jobs, err := repo.FindPending(ctx, 2)
	if err != nil {
		t.Fatalf("FindPending() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("FindPending() returned %d jobs, want 2", len(jobs))
	}
	if jobs[0].ID != first.ID {
		t.Errorf("FindPending() first = %s, want oldest %s", jobs[0].ID, first.ID)
	}
	for _, job := range jobs {
		if job.Status != domain.StatusPending {
			t.Errorf("FindPending() job.Status = %q, want %q", job.Status, domain.StatusPending)
		}
	}
}

func TestNew_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "nested", "test.db")

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer repo.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
		t.Error("New() did not create parent directory")
	}
}

func TestNew_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	job, _ := repo.Create(ctx, "https://youtu.be/dQw4w9WgXcQ")
	repo.Close()

	repo, err = New(dbPath)
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer repo.Close()
	if _, err := repo.Get(ctx, job.ID); err != nil {
		t.Errorf("Get() after reopen error = %v", err)
	}
}

func TestRepository_RecoverStale(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()

	job1, _ := repo.Create(ctx, "https://youtu.be/aaaaaaaaaaa")
	job2, _ := repo.Create(ctx, "https://youtu.be/bbbbbbbbbbb")
	job3, _ := repo.Create(ctx, "https://youtu.be/ccccccccccc")
	job4, _ := repo.Create(ctx, "https://youtu.be/ddddddddddd")

	domaintest.Advance(t, repo, job1.ID, domain.StatusDownloading)
	domaintest.Advance(t, repo, job2.ID, domain.StatusPublishing)
	domaintest.Advance(t, repo, job4.ID, domain.StatusCompleted)

	count, err := repo.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if count != 2 {
		t.Errorf("RecoverStale() count = %d, want 2", count)
	}

	for _, id := range []string{job1.ID, job2.ID} {
		j, _ := repo.Get(ctx, id)
		if j.Status != domain.StatusFailed {
			t.Errorf("job %s status = %q, want %q", id, j.Status, domain.StatusFailed)
		}
		if j.Error != domain.RecoveredMessage {
			t.Errorf("job %s error = %q, want %q", id, j.Error, domain.RecoveredMessage)
		}
		if j.CompletedAt == nil {
			t.Errorf("job %s has no completion time", id)
		}
	}
	if j3, _ := repo.Get(ctx, job3.ID); j3.Status != domain.StatusPending {
		t.Errorf("job3 status = %q, want %q", j3.Status, domain.StatusPending)
	}
	if j4, _ := repo.Get(ctx, job4.ID); j4.Status != domain.StatusCompleted {
		t.Errorf("job4 status = %q, want %q", j4.Status, domain.StatusCompleted)
	}
}

func TestRepository_Stats(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for _, d := range []time.Duration{10 * time.Second, 30 * time.Second} {
		job, _ := repo.Create(ctx, "https://youtu.be/aaaaaaaaaaa")
		status := domain.StatusDownloading
		repo.Update(ctx, job.ID, domain.JobUpdate{Status: &status, StartedAt: &start})
		domaintest.Advance(t, repo, job.ID, domain.StatusPublishing)
		if _, err := repo.Update(ctx, job.ID, domain.Terminal(domain.StatusCompleted, start.Add(d), "")); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}
	running, _ := repo.Create(ctx, "https://youtu.be/bbbbbbbbbbb")
	domaintest.Advance(t, repo, running.ID, domain.StatusTranscribing)
	repo.Create(ctx, "https://youtu.be/ccccccccccc")

	st, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.TotalJobs != 4 {
		t.Errorf("TotalJobs = %d, want 4", st.TotalJobs)
	}
	if st.CountsByStatus[domain.StatusCompleted] != 2 || st.CountsByStatus[domain.StatusPending] != 1 {
		t.Errorf("CountsByStatus = %v", st.CountsByStatus)
	}
	if st.Running != 1 {
		t.Errorf("Running = %d, want 1", st.Running)
	}
	if st.AvgDuration == nil || *st.AvgDuration != 20*time.Second {
		t.Errorf("AvgDuration = %v, want 20s", st.AvgDuration)
	}
}

func TestRepository_Logs(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	for i, msg := range []string{"downloading started", "fetched 3 MB", "downloading completed"} {
		ev := domain.LogEvent{JobID: "job-1", Seq: int64(i + 1), Timestamp: now, Level: domain.LevelInfo, Message: msg, Stage: "downloading"}
		if err := repo.AppendLog(ctx, ev); err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
	}
	repo.AppendLog(ctx, domain.LogEvent{JobID: "job-2", Seq: 1, Timestamp: now, Level: domain.LevelWarn, Message: "other"})

	logs, err := repo.Logs(ctx, "job-1", 10)
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("Logs() returned %d lines, want 3", len(logs))
	}
	for i, ev := range logs {
		if ev.Seq != int64(i+1) {
			t.Errorf("logs[%d].Seq = %d", i, ev.Seq)
		}
	}
	if logs[1].Message != "fetched 3 MB" || logs[1].Stage != "downloading" || logs[1].Level != domain.LevelInfo {
		t.Errorf("logs[1] = %+v", logs[1])
	}

	logs, _ = repo.Logs(ctx, "job-1", 2)
	if len(logs) != 2 {
		t.Errorf("Logs() limit ignored: %d lines", len(logs))
	}
}

func TestRepository_Stages(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	recs := []domain.StageRecord{
		{JobID: "job-1", Stage: domain.StatusDownloading, OK: true, Detail: "fetched", Payload: []byte(`{"path":"/tmp/a.mp4"}`), StartedAt: start, Duration: 3 * time.Second},
		{JobID: "job-1", Stage: domain.StatusTranscribing, Error: "quota exceeded", StartedAt: start.Add(3 * time.Second), Duration: time.Second},
		{JobID: "job-2", Stage: domain.StatusDownloading, OK: true, StartedAt: start},
	}
	for _, rec := range recs {
		if err := repo.SaveStage(ctx, rec); err != nil {
			t.Fatalf("SaveStage() error = %v", err)
		}
	}

	got, err := repo.Stages(ctx, "job-1")
	if err != nil {
		t.Fatalf("Stages() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Stages() returned %d records, want 2", len(got))
	}
	if got[0].Stage != domain.StatusDownloading || !got[0].OK || got[0].Detail != "fetched" {
		t.Errorf("Stages()[0] = %+v", got[0])
	}
	if string(got[0].Payload) != `{"path":"/tmp/a.mp4"}` {
		t.Errorf("Stages()[0].Payload = %s", got[0].Payload)
	}
	if !got[0].StartedAt.Equal(start) || got[0].Duration != 3*time.Second {
		t.Errorf("Stages()[0] timing = %v/%v", got[0].StartedAt, got[0].Duration)
	}
	if got[1].OK || got[1].Error != "quota exceeded" || got[1].Payload != nil {
		t.Errorf("Stages()[1] = %+v", got[1])
	}

	if none, _ := repo.Stages(ctx, "missing"); len(none) != 0 {
		t.Errorf("Stages(missing) = %+v, want none", none)
	}
}
