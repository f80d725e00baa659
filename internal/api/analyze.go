package api

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/seantiz/vidscope/internal/submission"
)

const (
	// maxMemory is the part of a multipart body held in memory before file
	// parts spill to disk.
	maxMemory = 32 << 20

	// minUploadRate is the slowest upload, in bytes per second, that still
	// gets a response before the write deadline.
	minUploadRate = 256 << 10

	defaultVariantCount        = 1
	defaultPrompt              = "Default system prompt"
	defaultConfidenceThreshold = 0.5
)

// analyzeResponse is the JSON response for POST /api/analyze.
type analyzeResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.MaxUploadBytes
	if r.ContentLength > limit {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", limit))
		return
	}

	// The server's write deadline also runs while the body is read.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(uploadDeadline(limit))); err != nil {
		s.logger.Debug("set write deadline for upload", "error", err)
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", limit))
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			s.logger.Warn("remove multipart temp files", "error", err)
		}
	}()

	req, closeFiles, err := parseAnalyzeRequest(r.MultipartForm)
	defer closeFiles()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.submitter.Submit(r.Context(), req)
	if errors.Is(err, submission.ErrValidation) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("submit analysis", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start analysis")
		return
	}

	for _, field := range []string{"video", "reference_file"} {
		if fh := formFile(r.MultipartForm, field); fh != nil {
			uploadBytes.WithLabelValues(field).Observe(float64(fh.Size))
		}
	}

	s.writeJSON(w, http.StatusAccepted, analyzeResponse{JobID: id, Message: "Analysis started"})
}

// parseAnalyzeRequest maps the multipart form onto a submission request. The
// returned func closes any opened file parts and is always non-nil.
func parseAnalyzeRequest(form *multipart.Form) (submission.Request, func(), error) {
	var opened []multipart.File
	closeFiles := func() {
		for _, f := range opened {
			f.Close()
		}
	}

	req := submission.Request{
		VariantCount:        defaultVariantCount,
		Prompt:              defaultPrompt,
		ConfidenceThreshold: defaultConfidenceThreshold,
	}

	if v := formValue(form, "plans"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, closeFiles, fmt.Errorf("plans: must be an integer")
		}
		req.VariantCount = n
	}
	if v := formValue(form, "system_prompt"); v != "" {
		req.Prompt = v
	}
	if v := formValue(form, "confidence_threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, closeFiles, fmt.Errorf("confidence_threshold: must be a number")
		}
		req.ConfidenceThreshold = f
	}

	if fh := formFile(form, "video"); fh != nil {
		f, err := fh.Open()
		if err != nil {
			return req, closeFiles, fmt.Errorf("video: unreadable upload")
		}
		opened = append(opened, f)
		req.Input = submission.Upload{Filename: fh.Filename, Body: f}
	}
	if fh := formFile(form, "reference_file"); fh != nil {
		f, err := fh.Open()
		if err != nil {
			return req, closeFiles, fmt.Errorf("reference_file: unreadable upload")
		}
		opened = append(opened, f)
		req.Reference = &submission.Upload{Filename: fh.Filename, Body: f}
	}

	return req, closeFiles, nil
}

func formValue(form *multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func formFile(form *multipart.Form, key string) *multipart.FileHeader {
	if fhs := form.File[key]; len(fhs) > 0 {
		return fhs[0]
	}
	return nil
}

// uploadDeadline is the time allowed to receive an upload of limit bytes and
// answer it.
func uploadDeadline(limit int64) time.Duration {
	return writeTimeout + time.Duration(limit/minUploadRate)*time.Second
}
