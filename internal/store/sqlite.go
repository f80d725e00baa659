package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/vidscope/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id                   TEXT PRIMARY KEY,
    status               TEXT NOT NULL,
    progress             INTEGER NOT NULL DEFAULT 0,
    variant_count        INTEGER NOT NULL,
    prompt               TEXT NOT NULL,
    confidence_threshold REAL NOT NULL,
    artifacts            TEXT,
    results              TEXT,
    error                TEXT,
    created_at           DATETIME NOT NULL,
    started_at           DATETIME,
    finished_at          DATETIME
)`

const createJobsCreatedIndex = `CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at DESC)`

const selectJobColumns = `SELECT id, status, progress, variant_count, prompt, confidence_threshold,
	artifacts, results, error, created_at, started_at, finished_at FROM jobs`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared across goroutines
	// and serializes read-modify-write transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createJobsCreatedIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate jobs table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	if err := checkCreate(j); err != nil {
		return err
	}
	artifacts, err := json.Marshal(j.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, status, progress, variant_count, prompt, confidence_threshold,
			artifacts, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		j.ID, j.Status, j.Progress, j.Params.VariantCount, j.Params.Prompt, j.Params.ConfidenceThreshold,
		string(artifacts), j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return getJob(ctx, s.db, id)
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// along with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		selectJobColumns+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// MarkRunning transitions a pending job to running and records started_at.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id string) error {
	return s.update(ctx, id, func(tx *sql.Tx, j *model.Job) error {
		if !model.ValidTransition(j.Status, model.StatusRunning) {
			return ErrInvalidTransition
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, started_at = ? WHERE id = ?",
			model.StatusRunning, time.Now().UTC(), id,
		)
		return err
	})
}

// UpdateProgress records a new progress value for a non-terminal job.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	return s.update(ctx, id, func(tx *sql.Tx, j *model.Job) error {
		apply, err := checkProgress(j, progress)
		if err != nil || !apply {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE jobs SET progress = ? WHERE id = ?", progress, id)
		return err
	})
}

// SetTerminal writes the job's final outcome and finished_at.
func (s *SQLiteStore) SetTerminal(ctx context.Context, id string, o Outcome) error {
	return s.update(ctx, id, func(tx *sql.Tx, j *model.Job) error {
		if err := checkOutcome(j, o); err != nil {
			return err
		}
		now := time.Now().UTC()
		if o.Status == model.StatusFailed {
			_, err := tx.ExecContext(ctx,
				"UPDATE jobs SET status = ?, error = ?, finished_at = ? WHERE id = ?",
				o.Status, o.Error, now, id,
			)
			return err
		}
		results, err := json.Marshal(o.Results)
		if err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, progress = ?, results = ?, finished_at = ? WHERE id = ?",
			o.Status, model.ProgressMax, string(results), now, id,
		)
		return err
	})
}

// DeleteJob removes a job. Deleting an absent job is not an error.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// GetJobStats returns aggregate statistics over all jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{CountByStatus: make(map[string]int)}
	if err := s.countByStatus(ctx, stats); err != nil {
		return nil, err
	}
	avg, err := s.avgDurationMS(ctx)
	if err != nil {
		return nil, err
	}
	stats.AvgDurationMS = avg
	return stats, nil
}

func (s *SQLiteStore) countByStatus(ctx context.Context, stats *JobStats) error {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate status counts: %w", err)
	}
	return nil
}

// avgDurationMS is computed in Go because DATETIME values are stored as text
// in the driver's own layout.
func (s *SQLiteStore) avgDurationMS(ctx context.Context) (float64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT started_at, finished_at FROM jobs WHERE started_at IS NOT NULL AND finished_at IS NOT NULL")
	if err != nil {
		return 0, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()

	var sum time.Duration
	var n int
	for rows.Next() {
		var started, finished time.Time
		if err := rows.Scan(&started, &finished); err != nil {
			return 0, fmt.Errorf("scan durations: %w", err)
		}
		sum += finished.Sub(started)
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate durations: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	return float64(sum.Milliseconds()) / float64(n), nil
}

// update runs fn inside a write transaction with the current record loaded.
func (s *SQLiteStore) update(ctx context.Context, id string, fn func(tx *sql.Tx, j *model.Job) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := fn(tx, j); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getJob(ctx context.Context, q queryRower, id string) (*model.Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, selectJobColumns+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func scanJob(row scanner) (*model.Job, error) {
	j := &model.Job{}
	var artifacts, results, errMsg sql.NullString
	if err := row.Scan(
		&j.ID, &j.Status, &j.Progress, &j.Params.VariantCount, &j.Params.Prompt, &j.Params.ConfidenceThreshold,
		&artifacts, &results, &errMsg, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	); err != nil {
		return nil, err
	}
	if artifacts.Valid && artifacts.String != "" && artifacts.String != "null" {
		if err := json.Unmarshal([]byte(artifacts.String), &j.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &j.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	j.Error = errMsg.String
	return j, nil
}
