// Package submission accepts analysis requests: it validates parameters,
// persists uploaded artifacts, creates the pending job record and hands the
// job to the engine.
package submission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/seantiz/vidscope/internal/artifact"
	"github.com/seantiz/vidscope/internal/model"
	"github.com/seantiz/vidscope/internal/store"
)

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// Is makes errors.Is(err, ErrValidation) hold for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Upload is one uploaded file.
type Upload struct {
	Filename string
	Body     io.Reader
}

// Request is a parsed analysis request.
type Request struct {
	Input               Upload
	Reference           *Upload
	VariantCount        int
	Prompt              string
	ConfidenceThreshold float64
}

// Dispatcher launches execution of a pending job.
type Dispatcher interface {
	Dispatch(j *model.Job)
}

// Coordinator turns requests into dispatched jobs.
type Coordinator struct {
	store    store.Store
	storage  artifact.Storage
	engine   Dispatcher
	logger   *slog.Logger
	analyzer string
}

// NewCoordinator creates a coordinator. analyzer is only used for logging.
func NewCoordinator(s store.Store, storage artifact.Storage, eng Dispatcher, analyzer string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    s,
		storage:  storage,
		engine:   eng,
		logger:   logger,
		analyzer: analyzer,
	}
}

// Validate checks the request parameters without touching storage.
func Validate(req Request) error {
	if req.VariantCount < 1 {
		return &ValidationError{Field: "plans", Msg: "must be at least 1"}
	}
	if t := req.ConfidenceThreshold; math.IsNaN(t) || t < 0 || t > 1 {
		return &ValidationError{Field: "confidence_threshold", Msg: "must be between 0 and 1"}
	}
	if req.Input.Body == nil {
		return &ValidationError{Field: "video", Msg: "file is required"}
	}
	if req.Reference != nil && req.Reference.Body == nil {
		return &ValidationError{Field: "reference_file", Msg: "file body is missing"}
	}
	return nil
}

// Submit validates req, stores its artifacts, creates a pending job and
// dispatches it. It returns the new job ID once the record is persisted;
// processing continues in the background.
func (c *Coordinator) Submit(ctx context.Context, req Request) (string, error) {
	if err := Validate(req); err != nil {
		return "", err
	}

	id := model.NewID()
	refs, err := c.saveArtifacts(id, req)
	if err != nil {
		c.discard(id, refs)
		return "", err
	}

	j := &model.Job{
		ID:     id,
		Status: model.StatusPending,
		Params: model.Params{
			VariantCount:        req.VariantCount,
			Prompt:              req.Prompt,
			ConfidenceThreshold: req.ConfidenceThreshold,
		},
		Artifacts: refs,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.CreateJob(ctx, j); err != nil {
		c.discard(id, refs)
		return "", fmt.Errorf("create job: %w", err)
	}

	c.logger.Info("job submitted",
		"job_id", id,
		"analyzer", c.analyzer,
		"variants", req.VariantCount,
		"artifacts", len(refs),
	)
	c.engine.Dispatch(j)
	return id, nil
}

func (c *Coordinator) saveArtifacts(id string, req Request) ([]model.ArtifactRef, error) {
	var refs []model.ArtifactRef

	in, err := c.save(id, model.RoleInput, "video", req.Input)
	refs = append(refs, in)
	if err != nil {
		return refs, err
	}

	if req.Reference != nil {
		ref, err := c.save(id, model.RoleReference, "reference_file", *req.Reference)
		refs = append(refs, ref)
		if err != nil {
			return refs, err
		}
	}
	return refs, nil
}

func (c *Coordinator) save(id, role, field string, u Upload) (model.ArtifactRef, error) {
	ref, err := c.storage.Save(id, role, u.Filename, u.Body)
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("save %s artifact: %w", role, err)
	}
	if ref.Size == 0 {
		// Returned with the error so discard removes it.
		return ref, &ValidationError{Field: field, Msg: "file is empty"}
	}
	return ref, nil
}

// discard removes artifacts of a submission that never became a job.
func (c *Coordinator) discard(id string, refs []model.ArtifactRef) {
	for _, ref := range refs {
		if ref.Path == "" {
			continue
		}
		if err := c.storage.Remove(ref); err != nil {
			c.logger.Warn("failed to discard artifact", "job_id", id, "path", ref.Path, "error", err)
		}
	}
	if err := c.storage.RemoveJob(id); err != nil {
		c.logger.Warn("failed to discard job dir", "job_id", id, "error", err)
	}
}
