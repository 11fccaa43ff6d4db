// Package postgres stores jobs, their logs and stage outcomes in PostgreSQL
// through a pgx pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cwygoda/distillery/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               UUID PRIMARY KEY,
    position         BIGSERIAL,
    url              TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'PENDING',
    progress         INTEGER NOT NULL DEFAULT 0,
    error            TEXT NOT NULL DEFAULT '',
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    created_at       TIMESTAMPTZ NOT NULL,
    started_at       TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ,
    updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS job_logs (
    job_id  UUID NOT NULL,
    seq     BIGINT NOT NULL,
    ts      TIMESTAMPTZ NOT NULL,
    level   TEXT NOT NULL,
    message TEXT NOT NULL,
    stage   TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (job_id, seq)
);

CREATE TABLE IF NOT EXISTS job_stages (
    id          BIGSERIAL PRIMARY KEY,
    job_id      UUID NOT NULL,
    stage       TEXT NOT NULL,
    ok          BOOLEAN NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    payload     JSON,
    started_at  TIMESTAMPTZ NOT NULL,
    duration_ns BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_stages_job ON job_stages(job_id);
`

const jobColumns = `id::text, url, status, progress, error, cancel_requested, created_at, started_at, completed_at, updated_at`

var terminal = []string{string(domain.StatusCompleted), string(domain.StatusFailed), string(domain.StatusCancelled)}

// Repository implements domain.Store on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*Repository)(nil)

// New connects to conn and creates the schema if needed.
func New(ctx context.Context, conn string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// Close releases the pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

func (r *Repository) Create(ctx context.Context, url string) (*domain.Job, error) {
	now := time.Now().UTC()
	job := &domain.Job{
		ID:        uuid.NewString(),
		URL:       url,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO jobs (id, url, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		job.ID, job.URL, string(job.Status), now, now,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	if uuid.Validate(id) != nil {
		return nil, domain.ErrJobNotFound
	}
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// Update applies u with a single statement guarded on the statuses u may
// be applied from.
func (r *Repository) Update(ctx context.Context, id string, u domain.JobUpdate) (*domain.Job, error) {
	if uuid.Validate(id) != nil {
		return nil, domain.ErrJobNotFound
	}
	from := domain.UpdatableFrom(u)
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}
	set, args := updateClauses(u, time.Now().UTC())
	args = append(args, id, allowed)
	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d AND status = ANY($%d) RETURNING `+jobColumns,
		set, len(args)-1, len(args))

	job, err := scanJob(r.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, domain.ErrJobNotFound) {
		current, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := u.Check(current.Status); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: job %s changed concurrently", domain.ErrInvalidTransition, id)
	}
	return job, err
}

func updateClauses(u domain.JobUpdate, now time.Time) (string, []any) {
	var cols []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		cols = append(cols, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Progress != nil {
		add("progress", *u.Progress)
	}
	if u.Error != nil {
		add("error", *u.Error)
	}
	if u.CancelRequested != nil {
		add("cancel_requested", *u.CancelRequested)
	}
	if u.StartedAt != nil {
		add("started_at", u.StartedAt.UTC())
	}
	if u.CompletedAt != nil {
		add("completed_at", u.CompletedAt.UTC())
	}
	add("updated_at", now)
	return strings.Join(cols, ", "), args
}

func (r *Repository) ListRecent(ctx context.Context, limit, offset int, status domain.JobStatus) ([]domain.Job, error) {
	if status == "" {
		return r.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY position DESC LIMIT $1 OFFSET $2`, limit, offset)
	}
	return r.query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY position DESC LIMIT $2 OFFSET $3`,
		string(status), limit, offset,
	)
}

func (r *Repository) CountJobs(ctx context.Context, status domain.JobStatus) (int, error) {
	var n int
	var err error
	if status == "" {
		err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n)
	} else {
		err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, string(status)).Scan(&n)
	}
	return n, err
}

func (r *Repository) FindPending(ctx context.Context, limit int) ([]domain.Job, error) {
	return r.query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY position ASC LIMIT $2`,
		string(domain.StatusPending), limit,
	)
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]domain.Job, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Job, error) {
		job, err := scanJob(row)
		if err != nil {
			return domain.Job{}, err
		}
		return *job, nil
	})
}

// RecoverStale fails every job left in a running status.
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, error = $2, completed_at = $3, updated_at = $3
		 WHERE status <> ALL($4) AND status <> $5`,
		string(domain.StatusFailed), domain.RecoveredMessage, now, terminal, string(domain.StatusPending),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) Stats(ctx context.Context) (*domain.Stats, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.JobStatus]int)
	var status string
	var n int
	_, err = pgx.ForEachRow(rows, []any{&status, &n}, func() error {
		counts[domain.JobStatus(status)] = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows, err = r.pool.Query(ctx,
		`SELECT EXTRACT(EPOCH FROM completed_at - started_at)::float8 FROM jobs
		 WHERE status = $1 AND started_at IS NOT NULL AND completed_at IS NOT NULL`,
		string(domain.StatusCompleted),
	)
	if err != nil {
		return nil, err
	}
	seconds, err := pgx.CollectRows(rows, pgx.RowTo[float64])
	if err != nil {
		return nil, err
	}
	durations := make([]time.Duration, len(seconds))
	for i, s := range seconds {
		durations[i] = time.Duration(s * float64(time.Second))
	}
	return domain.NewStats(counts, durations), nil
}

func (r *Repository) AppendLog(ctx context.Context, ev domain.LogEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO job_logs (job_id, seq, ts, level, message, stage) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.JobID, ev.Seq, ev.Timestamp.UTC(), string(ev.Level), ev.Message, ev.Stage,
	)
	return err
}

func (r *Repository) Logs(ctx context.Context, jobID string, limit int) ([]domain.LogEvent, error) {
	if uuid.Validate(jobID) != nil {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT job_id::text, seq, ts, level, message, stage FROM job_logs
		 WHERE job_id = $1 ORDER BY seq ASC LIMIT $2`,
		jobID, limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.LogEvent, error) {
		var ev domain.LogEvent
		var level string
		err := row.Scan(&ev.JobID, &ev.Seq, &ev.Timestamp, &level, &ev.Message, &ev.Stage)
		ev.Level = domain.LogLevel(level)
		ev.Timestamp = ev.Timestamp.UTC()
		return ev, err
	})
}

func (r *Repository) SaveStage(ctx context.Context, rec domain.StageRecord) error {
	var payload *string
	if len(rec.Payload) > 0 {
		p := string(rec.Payload)
		payload = &p
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO job_stages (job_id, stage, ok, detail, error, payload, started_at, duration_ns)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.JobID, string(rec.Stage), rec.OK, rec.Detail, rec.Error, payload, rec.StartedAt.UTC(), int64(rec.Duration),
	)
	return err
}

// Stages returns a job's stage outcomes in insertion order.
func (r *Repository) Stages(ctx context.Context, jobID string) ([]domain.StageRecord, error) {
	if uuid.Validate(jobID) != nil {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT job_id::text, stage, ok, detail, error, payload::text, started_at, duration_ns FROM job_stages
		 WHERE job_id = $1 ORDER BY id ASC`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.StageRecord, error) {
		var rec domain.StageRecord
		var stage string
		var payload *string
		var durationNS int64
		if err := row.Scan(&rec.JobID, &stage, &rec.OK, &rec.Detail, &rec.Error, &payload, &rec.StartedAt, &durationNS); err != nil {
			return rec, err
		}
		rec.Stage = domain.JobStatus(stage)
		if payload != nil {
			rec.Payload = json.RawMessage(*payload)
		}
		rec.StartedAt = rec.StartedAt.UTC()
		rec.Duration = time.Duration(durationNS)
		return rec, nil
	})
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var status string
	err := row.Scan(&job.ID, &job.URL, &status, &job.Progress, &job.Error, &job.CancelRequested,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if job.StartedAt != nil {
		t := job.StartedAt.UTC()
		job.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := job.CompletedAt.UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}
