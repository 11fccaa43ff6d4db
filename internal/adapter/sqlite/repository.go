package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cwygoda/distillery/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    url              TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'PENDING',
    progress         INTEGER NOT NULL DEFAULT 0,
    error            TEXT NOT NULL DEFAULT '',
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL,
    started_at       DATETIME,
    completed_at     DATETIME,
    updated_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS job_logs (
    job_id  TEXT NOT NULL,
    seq     INTEGER NOT NULL,
    ts      DATETIME NOT NULL,
    level   TEXT NOT NULL,
    message TEXT NOT NULL,
    stage   TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (job_id, seq)
);

CREATE TABLE IF NOT EXISTS job_stages (
    job_id      TEXT NOT NULL,
    stage       TEXT NOT NULL,
    ok          INTEGER NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    payload     TEXT,
    started_at  DATETIME NOT NULL,
    duration_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_stages_job ON job_stages(job_id);
`

const jobColumns = `id, url, status, progress, error, cancel_requested, created_at, started_at, completed_at, updated_at`

// terminalList is the SQL list of terminal statuses.
var terminalList = fmt.Sprintf("('%s', '%s', '%s')", domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled)

// Repository implements domain.Store using SQLite.
type Repository struct {
	db *sql.DB
}

var _ domain.Store = (*Repository)(nil)

// New opens the database at dbPath, creating the directory and schema if needed.
func New(dbPath string) (*Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// One writer at a time; transactions would otherwise hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
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
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, url, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.URL, job.Status, now, now,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// Update applies u in a single transaction. Terminal jobs are left
// untouched, as is any job u would move out of stage order.
func (r *Repository) Update(ctx context.Context, id string, u domain.JobUpdate) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := u.Check(current.Status); err != nil {
		return nil, err
	}

	set, args := updateClauses(u, time.Now().UTC())
	args = append(args, id, current.Status)
	result, err := tx.ExecContext(ctx,
		`UPDATE jobs SET `+set+` WHERE id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	if affected, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if affected == 0 {
		return nil, domain.ErrAlreadyTerminal
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// updateClauses renders the SET list for u.
func updateClauses(u domain.JobUpdate, now time.Time) (string, []any) {
	var cols []string
	var args []any
	add := func(col string, v any) {
		cols = append(cols, col+" = ?")
		args = append(args, v)
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

// ListRecent returns up to limit jobs after skipping offset, newest first,
// optionally filtered by status.
func (r *Repository) ListRecent(ctx context.Context, limit, offset int, status domain.JobStatus) ([]domain.Job, error) {
	if status == "" {
		return r.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY rowid DESC LIMIT ? OFFSET ?`, limit, offset)
	}
	return r.query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY rowid DESC LIMIT ? OFFSET ?`,
		status, limit, offset,
	)
}

// CountJobs counts jobs in status, or all jobs when status is empty.
func (r *Repository) CountJobs(ctx context.Context, status domain.JobStatus) (int, error) {
	var n int
	var err error
	if status == "" {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n)
	} else {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, status).Scan(&n)
	}
	return n, err
}

// FindPending returns pending jobs up to limit, oldest first.
func (r *Repository) FindPending(ctx context.Context, limit int) ([]domain.Job, error) {
	return r.query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY rowid ASC LIMIT ?`,
		domain.StatusPending, limit,
	)
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// RecoverStale fails every job left in a running status by a previous process.
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, completed_at = ?, updated_at = ?
		 WHERE status NOT IN `+terminalList+` AND status <> ?`,
		domain.StatusFailed, domain.RecoveredMessage, now, now, domain.StatusPending,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Stats aggregates status counts and the mean duration of completed jobs.
func (r *Repository) Stats(ctx context.Context) (*domain.Stats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		counts[domain.JobStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.QueryContext(ctx,
		`SELECT started_at, completed_at FROM jobs
		 WHERE status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL`,
		domain.StatusCompleted,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var durations []time.Duration
	for rows.Next() {
		var started, completed time.Time
		if err := rows.Scan(&started, &completed); err != nil {
			return nil, err
		}
		durations = append(durations, completed.Sub(started))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return domain.NewStats(counts, durations), nil
}

// AppendLog stores one log line.
func (r *Repository) AppendLog(ctx context.Context, ev domain.LogEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO job_logs (job_id, seq, ts, level, message, stage) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.JobID, ev.Seq, ev.Timestamp.UTC(), ev.Level, ev.Message, ev.Stage,
	)
	return err
}

// Logs returns up to limit log lines of a job ordered by sequence.
func (r *Repository) Logs(ctx context.Context, jobID string, limit int) ([]domain.LogEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT job_id, seq, ts, level, message, stage FROM job_logs
		 WHERE job_id = ? ORDER BY seq ASC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.LogEvent
	for rows.Next() {
		var ev domain.LogEvent
		var level string
		if err := rows.Scan(&ev.JobID, &ev.Seq, &ev.Timestamp, &level, &ev.Message, &ev.Stage); err != nil {
			return nil, err
		}
		ev.Level = domain.LogLevel(level)
		logs = append(logs, ev)
	}
	return logs, rows.Err()
}

// SaveStage stores one stage outcome.
func (r *Repository) SaveStage(ctx context.Context, rec domain.StageRecord) error {
	var payload sql.NullString
	if len(rec.Payload) > 0 {
		payload = sql.NullString{String: string(rec.Payload), Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO job_stages (job_id, stage, ok, detail, error, payload, started_at, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.Stage, rec.OK, rec.Detail, rec.Error, payload, rec.StartedAt.UTC(), int64(rec.Duration),
	)
	return err
}

// Stages returns a job's stage outcomes in the order they were saved.
func (r *Repository) Stages(ctx context.Context, jobID string) ([]domain.StageRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT job_id, stage, ok, detail, error, payload, started_at, duration_ns FROM job_stages
		 WHERE job_id = ? ORDER BY rowid ASC`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.StageRecord
	for rows.Next() {
		var rec domain.StageRecord
		var stage string
		var payload sql.NullString
		var durationNS int64
		if err := rows.Scan(&rec.JobID, &stage, &rec.OK, &rec.Detail, &rec.Error, &payload, &rec.StartedAt, &durationNS); err != nil {
			return nil, err
		}
		rec.Stage = domain.JobStatus(stage)
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		rec.StartedAt = rec.StartedAt.UTC()
		rec.Duration = time.Duration(durationNS)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var status string
	var started, completed sql.NullTime
	err := row.Scan(&job.ID, &job.URL, &status, &job.Progress, &job.Error, &job.CancelRequested,
		&job.CreatedAt, &started, &completed, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if started.Valid {
		t := started.Time.UTC()
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time.UTC()
		job.CompletedAt = &t
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}
