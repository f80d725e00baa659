// Package store persists job records. Every implementation enforces the same
// lifecycle rules: progress never decreases and stays below 100 until the job
// completes, terminal writes happen at most once, and results and error are
// mutually exclusive.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/vidscope/internal/model"
)

var (
	// ErrNotFound is returned when a job is not found.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyExists is returned when creating a job whose ID is taken.
	ErrAlreadyExists = errors.New("job already exists")

	// ErrInvalidTransition is returned when a job status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidProgress is returned for progress values outside [0, 99].
	// 100 is only ever written by a successful terminal transition.
	ErrInvalidProgress = errors.New("invalid progress value")

	// ErrInvalidOutcome is returned when a completed outcome does not carry
	// exactly the requested number of variants.
	ErrInvalidOutcome = errors.New("invalid job outcome")
)

// Outcome is the terminal result of a job: either results or an error message.
type Outcome struct {
	Status  string
	Results []model.Variant
	Error   string
}

// Completed returns a successful outcome.
func Completed(results []model.Variant) Outcome {
	return Outcome{Status: model.StatusCompleted, Results: results}
}

// Failed returns a failed outcome with the captured error description.
func Failed(errMsg string) Outcome {
	return Outcome{Status: model.StatusFailed, Error: errMsg}
}

// JobStats holds aggregate job statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for jobs.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	SetTerminal(ctx context.Context, id string, o Outcome) error
	DeleteJob(ctx context.Context, id string) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	Close() error
}

// checkProgress reports whether progress p should be written over j. Stale
// values (lower than the stored progress) are ignored without error.
func checkProgress(j *model.Job, p int) (bool, error) {
	if err := checkProgressRange(p); err != nil {
		return false, err
	}
	if model.IsTerminal(j.Status) {
		return false, fmt.Errorf("%w: progress update on %s job", ErrInvalidTransition, j.Status)
	}
	return p > j.Progress, nil
}

func checkProgressRange(p int) error {
	if p < model.ProgressMin || p >= model.ProgressMax {
		return fmt.Errorf("%w: %d", ErrInvalidProgress, p)
	}
	return nil
}

// checkOutcome validates a terminal write against the current record.
func checkOutcome(j *model.Job, o Outcome) error {
	if !model.ValidTransition(j.Status, o.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, o.Status)
	}
	switch o.Status {
	case model.StatusCompleted:
		if len(o.Results) == 0 || len(o.Results) != j.Params.VariantCount {
			return fmt.Errorf("%w: got %d variants, want %d", ErrInvalidOutcome, len(o.Results), j.Params.VariantCount)
		}
	case model.StatusFailed:
		if o.Error == "" {
			return fmt.Errorf("%w: failed outcome without error", ErrInvalidOutcome)
		}
	}
	return nil
}

// checkCreate validates a record handed to CreateJob.
func checkCreate(j *model.Job) error {
	if j.ID == "" {
		return errors.New("create job: empty id")
	}
	if j.Status != model.StatusPending {
		return fmt.Errorf("create job: status %q, want %q", j.Status, model.StatusPending)
	}
	return nil
}
