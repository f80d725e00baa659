package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/vidscope/internal/model"
	"github.com/seantiz/vidscope/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// progressResponse is the JSON response for GET /api/progress/{id}.
type progressResponse struct {
	Progress int `json:"progress"`
}

// resultsResponse is the JSON response for GET /api/results/{id}. Results is
// set only for completed jobs, Error only for failed ones.
type resultsResponse struct {
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	Results  []model.Variant `json:"results,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// jobResponse is the public shape of a job. Artifacts are listed without
// their server-side paths.
type jobResponse struct {
	ID         string             `json:"id"`
	Status     string             `json:"status"`
	Progress   int                `json:"progress"`
	Params     model.Params       `json:"params"`
	Artifacts  []artifactResponse `json:"artifacts,omitempty"`
	Results    []model.Variant    `json:"results,omitempty"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

type artifactResponse struct {
	Role     string `json:"role"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size"`
}

func newJobResponse(j *model.Job) jobResponse {
	resp := jobResponse{
		ID:         j.ID,
		Status:     j.Status,
		Progress:   j.Progress,
		Params:     j.Params,
		Results:    j.Results,
		Error:      j.Error,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
	for _, ref := range j.Artifacts {
		resp.Artifacts = append(resp.Artifacts, artifactResponse{
			Role:     ref.Role,
			Filename: ref.Filename,
			Size:     ref.Size,
		})
	}
	return resp
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []jobResponse `json:"jobs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// lookupJob fetches the job named by the {id} URL parameter. It writes the
// error response itself and returns nil when the job cannot be served.
func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) *model.Job {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return nil
	}
	if err != nil {
		s.logger.Error("get job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return nil
	}
	return j
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	j := s.lookupJob(w, r)
	if j == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, progressResponse{Progress: j.Progress})
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	j := s.lookupJob(w, r)
	if j == nil {
		return
	}

	resp := resultsResponse{Status: j.Status, Progress: j.Progress}
	switch j.Status {
	case model.StatusCompleted:
		resp.Results = j.Results
		s.writeJSON(w, http.StatusOK, resp)
	case model.StatusFailed:
		resp.Error = j.Error
		s.writeJSON(w, http.StatusOK, resp)
	default:
		// Known but not ready yet.
		s.writeJSON(w, http.StatusAccepted, resp)
	}
}

func (s *Server) handleDeleteResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteJob(r.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("delete job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete results")
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "Results deleted successfully"})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j := s.lookupJob(w, r)
	if j == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, newJobResponse(j))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobResponse(j))
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   out,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}
