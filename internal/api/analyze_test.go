package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/vidscope/internal/model"
)

func TestAnalyzeAccepted(t *testing.T) {
	env := newTestEnv(t, testAnalyzer())
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := postAnalyze(t, ts.URL,
		map[string]string{"plans": "2", "system_prompt": "Find the chapters", "confidence_threshold": "0.8"},
		map[string]string{"video": "frames", "reference_file": "notes"},
	)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	body := decode[analyzeResponse](t, resp)
	if !model.IsID(body.JobID) {
		t.Errorf("job_id = %q, want a ULID", body.JobID)
	}
	if body.Message != "Analysis started" {
		t.Errorf("message = %q", body.Message)
	}

	j, err := env.store.GetJob(context.Background(), body.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Params.VariantCount != 2 || j.Params.Prompt != "Find the chapters" || j.Params.ConfidenceThreshold != 0.8 {
		t.Errorf("params = %+v", j.Params)
	}
	if len(j.Artifacts) != 2 {
		t.Errorf("len(artifacts) = %d, want 2", len(j.Artifacts))
	}
}

func TestAnalyzeDefaults(t *testing.T) {
	env := newTestEnv(t, testAnalyzer())
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := postAnalyze(t, ts.URL, nil, map[string]string{"video": "frames"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	body := decode[analyzeResponse](t, resp)

	j, err := env.store.GetJob(context.Background(), body.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	want := model.Params{VariantCount: 1, Prompt: "Default system prompt", ConfidenceThreshold: 0.5}
	if j.Params != want {
		t.Errorf("params = %+v, want %+v", j.Params, want)
	}
	if len(j.Artifacts) != 1 || j.Artifacts[0].Role != model.RoleInput {
		t.Errorf("artifacts = %+v, want only the input", j.Artifacts)
	}
}

func TestAnalyzeRejected(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		files  map[string]string
		status int
	}{
		{"zero plans", map[string]string{"plans": "0"}, map[string]string{"video": "frames"}, http.StatusBadRequest},
		{"non numeric plans", map[string]string{"plans": "two"}, map[string]string{"video": "frames"}, http.StatusBadRequest},
		{"threshold above one", map[string]string{"confidence_threshold": "1.2"}, map[string]string{"video": "frames"}, http.StatusBadRequest},
		{"NaN threshold", map[string]string{"confidence_threshold": "NaN"}, map[string]string{"video": "frames"}, http.StatusBadRequest},
		{"infinite threshold", map[string]string{"confidence_threshold": "+Inf"}, map[string]string{"video": "frames"}, http.StatusBadRequest},
		{"non numeric threshold", map[string]string{"confidence_threshold": "high"}, map[string]string{"video": "frames"}, http.StatusBadRequest},
		{"missing video", nil, map[string]string{"reference_file": "notes"}, http.StatusBadRequest},
		{"empty video", nil, map[string]string{"video": ""}, http.StatusBadRequest},
		{"too large", nil, map[string]string{"video": strings.Repeat("x", testMaxUpload+1)}, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testAnalyzer())
			ts := httptest.NewServer(env.srv.Router())
			defer ts.Close()

			resp := postAnalyze(t, ts.URL, tt.fields, tt.files)
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if errResp := decode[map[string]string](t, resp); errResp["error"] == "" {
				t.Error("expected error message in response")
			}

			_, total, err := env.store.ListJobs(context.Background(), 10, 0)
			if err != nil {
				t.Fatalf("ListJobs: %v", err)
			}
			if total != 0 {
				t.Errorf("store has %d jobs, want 0", total)
			}
			entries, _ := os.ReadDir(env.storage.Root())
			if len(entries) != 0 {
				t.Errorf("temp dir has %d entries, want 0", len(entries))
			}
		})
	}
}

func TestAnalyzeNotMultipart(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/analyze", "application/json", strings.NewReader(`{"plans":1}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// stallingReader pauses once before yielding the rest of r.
type stallingReader struct {
	r       io.Reader
	delay   time.Duration
	stalled bool
}

func (s *stallingReader) Read(p []byte) (int, error) {
	if !s.stalled {
		time.Sleep(s.delay)
		s.stalled = true
	}
	return s.r.Read(p)
}

func TestAnalyzeSlowUploadOutlivesWriteTimeout(t *testing.T) {
	env := newTestEnv(t, testAnalyzer())
	ts := httptest.NewUnstartedServer(env.srv.Router())
	ts.Config.WriteTimeout = 100 * time.Millisecond
	ts.Start()
	defer ts.Close()

	buf, contentType := multipartBody(t, map[string]string{"plans": "1"}, map[string]string{"video": "frames"})
	body := io.MultiReader(io.LimitReader(buf, 16), &stallingReader{r: buf, delay: 300 * time.Millisecond})

	resp, err := http.Post(ts.URL+"/api/analyze", contentType, body)
	if err != nil {
		t.Fatalf("POST /api/analyze: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestUploadDeadlineScalesWithLimit(t *testing.T) {
	small := uploadDeadline(64 << 10)
	large := uploadDeadline(512 << 20)

	if small < writeTimeout {
		t.Errorf("deadline %s below the base write timeout %s", small, writeTimeout)
	}
	if want := writeTimeout + 2048*time.Second; large != want {
		t.Errorf("deadline for 512 MiB = %s, want %s", large, want)
	}
}
