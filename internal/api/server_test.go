package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/vidscope/internal/artifact"
	"github.com/seantiz/vidscope/internal/engine"
	"github.com/seantiz/vidscope/internal/model"
	"github.com/seantiz/vidscope/internal/pipeline"
	"github.com/seantiz/vidscope/internal/store"
	"github.com/seantiz/vidscope/internal/submission"
)

const testMaxUpload = 64 << 10

// testEnv is a fully wired server over an in-memory SQLite store.
type testEnv struct {
	srv     *Server
	store   store.Store
	engine  *engine.Engine
	storage *artifact.LocalStorage
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestEnv(t, testAnalyzer()).srv
}

// testAnalyzer is the mock analyzer with steps short enough for tests.
func testAnalyzer() pipeline.Analyzer {
	return pipeline.NewMockAnalyzer(5, 2*time.Millisecond)
}

func newTestEnv(t *testing.T, a pipeline.Analyzer) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	storage, err := artifact.NewLocalStorage(filepath.Join(t.TempDir(), "temp"))
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := pipeline.NewRegistry()
	if err := reg.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}

	eng := engine.NewEngine(s, a, artifact.NewCleaner(storage, logger), logger, engine.Options{})
	t.Cleanup(eng.Wait)

	coord := submission.NewCoordinator(s, storage, eng, a.Name, logger)
	cfg := Config{Addr: ":0", MaxUploadBytes: testMaxUpload, Analyzer: a.Name}

	return &testEnv{
		srv:     NewServer(cfg, s, coord, eng.Broker(), reg, logger),
		store:   s,
		engine:  eng,
		storage: storage,
	}
}

// multipartBody builds an analyze request body. files maps form field to
// file content.
func multipartBody(t *testing.T, fields, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	for field, content := range files {
		fw, err := mw.CreateFormFile(field, field+".mp4")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func postAnalyze(t *testing.T, url string, fields, files map[string]string) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, fields, files)
	resp, err := http.Post(url+"/api/analyze", contentType, body)
	if err != nil {
		t.Fatalf("POST /api/analyze: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// createJob inserts a pending job directly into the store.
func createJob(t *testing.T, s store.Store, variants int) *model.Job {
	t.Helper()
	j := &model.Job{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		Params:    model.Params{VariantCount: variants, Prompt: "Default system prompt", ConfidenceThreshold: 0.5},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return j
}

// completeJob drives a job straight to completed with mock results.
func completeJob(t *testing.T, s store.Store, j *model.Job) {
	t.Helper()
	ctx := context.Background()
	if err := s.MarkRunning(ctx, j.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	results, err := pipeline.Variants(ctx, pipeline.MockGenerator{}, j.Params)
	if err != nil {
		t.Fatalf("Variants: %v", err)
	}
	if err := s.SetTerminal(ctx, j.ID, store.Completed(results)); err != nil {
		t.Fatalf("SetTerminal: %v", err)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	var gotID string
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		gotID = middleware.GetReqID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if gotID == "" {
		t.Error("request id missing from request context")
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/api/analyze", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /api/analyze: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv := newTestServer(t)
	srv.cfg.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
