package artifact

import (
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/vidscope/internal/model"
)

// Cleaner releases a job's temporary artifacts once the job is terminal.
// Removal is best effort: failures are logged and counted, never returned,
// because the job's terminal state has already been written.
//
// Released job IDs are remembered for releasedRetention so that a repeated
// Release for the same job is a no-op. Older entries are pruned as new jobs
// are released.
type Cleaner struct {
	storage Storage
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	released map[string]time.Time
}

// releasedRetention bounds how long a released job ID is remembered.
const releasedRetention = time.Hour

// NewCleaner creates a cleaner over the given storage.
func NewCleaner(storage Storage, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		storage:  storage,
		logger:   logger,
		now:      time.Now,
		released: make(map[string]time.Time),
	}
}

// Release removes every referenced artifact that still exists, then the job
// directory. It reports whether this call performed the release; later calls
// for the same job return false and touch nothing.
func (c *Cleaner) Release(jobID string, refs []model.ArtifactRef) bool {
	c.mu.Lock()
	now := c.now()
	if _, done := c.released[jobID]; done {
		c.mu.Unlock()
		c.logger.Warn("artifacts already released", "job_id", jobID)
		return false
	}
	for id, at := range c.released {
		if now.Sub(at) > releasedRetention {
			delete(c.released, id)
		}
	}
	c.released[jobID] = now
	c.mu.Unlock()

	for _, ref := range refs {
		if err := c.storage.Remove(ref); err != nil {
			cleanupFailuresTotal.Inc()
			c.logger.Error("failed to remove artifact",
				"job_id", jobID,
				"artifact", ref.Path,
				"role", ref.Role,
				"error", err,
			)
			continue
		}
		artifactsRemovedTotal.Inc()
	}

	if err := c.storage.RemoveJob(jobID); err != nil {
		cleanupFailuresTotal.Inc()
		c.logger.Error("failed to remove job dir", "job_id", jobID, "error", err)
	}

	c.logger.Debug("artifacts released", "job_id", jobID, "count", len(refs))
	return true
}
