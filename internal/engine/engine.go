package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/vidscope/internal/model"
	"github.com/seantiz/vidscope/internal/pipeline"
	"github.com/seantiz/vidscope/internal/store"
)

// Releaser removes a job's input artifacts once the job is terminal.
type Releaser interface {
	Release(jobID string, refs []model.ArtifactRef) bool
}

// Options tunes the engine.
type Options struct {
	// MaxConcurrent bounds the number of running jobs. Zero means unbounded.
	// Jobs waiting for a slot stay pending.
	MaxConcurrent int

	// Timeout bounds the processing and generation phases of each job. Zero
	// disables the deadline.
	Timeout time.Duration
}

// Engine orchestrates asynchronous job execution.
type Engine struct {
	store    store.Store
	analyzer pipeline.Analyzer
	releaser Releaser
	logger   *slog.Logger
	broker   *ProgressBroker
	timeout  time.Duration
	slots    chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates a new execution engine.
func NewEngine(s store.Store, a pipeline.Analyzer, r Releaser, logger *slog.Logger, opts Options) *Engine {
	e := &Engine{
		store:    s,
		analyzer: a,
		releaser: r,
		logger:   logger,
		broker:   NewProgressBroker(),
		timeout:  opts.Timeout,
	}
	if opts.MaxConcurrent > 0 {
		e.slots = make(chan struct{}, opts.MaxConcurrent)
	}
	return e
}

// Broker returns the engine's progress broker for SSE subscription.
func (e *Engine) Broker() *ProgressBroker {
	return e.broker
}

// Dispatch launches asynchronous execution of a job that already exists in
// the store with status pending. It returns immediately. Dispatching the same
// job twice is a programming error.
//
// The goroutine operates on a copy of the job to avoid data races with the
// caller.
func (e *Engine) Dispatch(j *model.Job) {
	jCopy := j.Clone()
	jobsDispatchedTotal.Inc()
	e.wg.Go(func() {
		e.execute(jCopy)
	})
}

// Wait blocks until all in-flight job goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute runs the job lifecycle in a goroutine: pending→running→completed/failed.
func (e *Engine) execute(j *model.Job) {
	// Deferred in reverse order of execution: a panic is converted to a
	// failed outcome first, then artifacts are released, then the progress
	// stream is closed.
	defer e.broker.Close(j.ID)
	defer e.releaser.Release(j.ID, j.Artifacts)

	// last is the highest progress persisted so far.
	var last atomic.Int32
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("job panicked", "job_id", j.ID, "panic", r)
			e.finish(j.ID, store.Failed(fmt.Sprintf("panic: %v", r)), int(last.Load()), nil)
		}
	}()

	if e.slots != nil {
		e.slots <- struct{}{}
		defer func() { <-e.slots }()
	}

	if err := e.store.MarkRunning(context.Background(), j.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Debug("job deleted before start", "job_id", j.ID)
			return
		}
		e.logger.Error("failed to transition to running", "job_id", j.ID, "error", err)
		e.finish(j.ID, store.Failed(fmt.Sprintf("failed to start: %v", err)), 0, nil)
		return
	}

	start := time.Now()
	jobsRunning.Inc()
	defer jobsRunning.Dec()

	ctx := context.Background()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	report := func(done, total int) {
		p := stepProgress(done, total)
		if err := e.store.UpdateProgress(context.Background(), j.ID, p); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				e.logger.Debug("progress dropped for deleted job", "job_id", j.ID, "progress", p)
				return
			}
			e.logger.Warn("failed to persist progress", "job_id", j.ID, "progress", p, "error", err)
			return
		}
		if int32(p) > last.Load() {
			last.Store(int32(p))
		}
		e.broker.Publish(j.ID, ProgressEvent{Progress: int(last.Load()), Status: model.StatusRunning})
	}

	in := pipeline.Input{JobID: j.ID, Params: j.Params, Artifacts: j.Artifacts}
	if err := e.analyzer.Workload.Process(ctx, in, report); err != nil {
		e.finish(j.ID, store.Failed(e.describe(ctx, "processing", err)), int(last.Load()), &start)
		return
	}

	results, err := pipeline.Variants(ctx, e.analyzer.Generator, j.Params)
	if err != nil {
		e.finish(j.ID, store.Failed(e.describe(ctx, "generation", err)), int(last.Load()), &start)
		return
	}

	e.finish(j.ID, store.Completed(results), int(last.Load()), &start)
}

// finish writes the terminal outcome. A job deleted mid-run is not
// resurrected: the write is dropped.
func (e *Engine) finish(id string, o store.Outcome, last int, start *time.Time) {
	err := e.store.SetTerminal(context.Background(), id, o)
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.logger.Debug("terminal write dropped for deleted job", "job_id", id, "status", o.Status)
		return
	case err != nil:
		e.logger.Error("failed to write terminal state", "job_id", id, "status", o.Status, "error", err)
		return
	}

	jobsFinishedTotal.WithLabelValues(o.Status).Inc()
	if start != nil {
		jobDuration.Observe(time.Since(*start).Seconds())
	}

	ev := ProgressEvent{Progress: last, Status: o.Status, Error: o.Error}
	if o.Status == model.StatusCompleted {
		ev.Progress = model.ProgressMax
		e.logger.Info("job completed", "job_id", id, "variants", len(o.Results))
	} else {
		e.logger.Warn("job failed", "job_id", id, "error", o.Error)
	}
	e.broker.Publish(id, ev)
}

// describe turns a processing fault into the message stored on the job.
func (e *Engine) describe(ctx context.Context, phase string, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("job timed out after %s", e.timeout)
	}
	return fmt.Sprintf("%s: %v", phase, err)
}

// stepProgress maps a finished step to a percentage. It never reaches 100:
// only the completed write does.
func stepProgress(done, total int) int {
	if total <= 0 {
		return model.ProgressMin
	}
	p := int(math.Round(float64(done) / float64(total) * 100))
	return min(max(p, model.ProgressMin), model.ProgressMax-1)
}
