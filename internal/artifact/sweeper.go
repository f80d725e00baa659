package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seantiz/vidscope/internal/model"
)

// ActiveFunc reports whether a job still owns its artifacts, i.e. it exists
// and has not reached a terminal state.
type ActiveFunc func(ctx context.Context, jobID string) bool

// Sweeper periodically removes job directories that outlived their job.
// These are left behind only when the process dies between persisting an
// upload and running cleanup.
type Sweeper struct {
	storage   *LocalStorage
	active    ActiveFunc
	retention time.Duration
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewSweeper creates a sweeper. Directories younger than retention are never
// touched, which keeps in-flight submissions safe.
func NewSweeper(storage *LocalStorage, active ActiveFunc, retention time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		storage:   storage,
		active:    active,
		retention: retention,
		logger:    logger,
		cron:      cron.New(),
	}
}

// Start schedules Sweep on the given cron spec (e.g. "@every 10m").
func (s *Sweeper) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("artifact sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", schedule, err)
	}
	s.cron.Start()
	s.logger.Info("artifact sweeper started", "schedule", schedule, "retention", s.retention.String())
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep removes stale job directories and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.storage.Root())
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}

	cutoff := time.Now().Add(-s.retention)
	swept := 0

	for _, e := range entries {
		if !e.IsDir() || !model.IsID(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if s.active(ctx, e.Name()) {
			continue
		}
		if err := s.storage.RemoveJob(e.Name()); err != nil {
			s.logger.Error("failed to sweep job dir", "job_id", e.Name(), "error", err)
			continue
		}
		sweptDirsTotal.Inc()
		swept++
	}

	if swept > 0 {
		s.logger.Info("swept orphaned job dirs", "count", swept)
	}
	return swept, nil
}
