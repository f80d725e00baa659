package model

import "time"

// Job status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Progress bounds.
const (
	ProgressMin = 0
	ProgressMax = 100
)

// Artifact roles.
const (
	RoleInput     = "input"
	RoleReference = "reference"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further progress or result mutation may occur
// in the given status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Params holds the caller-supplied processing parameters of a job.
type Params struct {
	VariantCount        int     `json:"variant_count"`
	Prompt              string  `json:"prompt"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// ArtifactRef is a handle to one persisted input artifact. The job that
// created it owns it exclusively until cleanup.
type ArtifactRef struct {
	Role     string `json:"role"`
	Path     string `json:"path"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size"`
}

// Job is one asynchronous unit of submitted work.
//
// Results is set only when Status is completed and Error only when Status is
// failed.
type Job struct {
	ID         string        `json:"id"`
	Status     string        `json:"status"`
	Progress   int           `json:"progress"`
	Params     Params        `json:"params"`
	Artifacts  []ArtifactRef `json:"artifacts,omitempty"`
	Results    []Variant     `json:"results,omitempty"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the job so callers may read it without holding
// any lock of the store it came from.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Artifacts != nil {
		c.Artifacts = append([]ArtifactRef(nil), j.Artifacts...)
	}
	c.Results = CloneVariants(j.Results)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
