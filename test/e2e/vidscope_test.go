package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	jobTimeout     = 15 * time.Second
	pollInterval   = 20 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd     *exec.Cmd
	stdout  *lockedBuffer
	url     string
	tempDir string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "vidscope-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "vidscope")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/vidscope")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// startServer runs the binary with a fast simulated analyzer. extraEnv
// entries override the defaults.
func startServer(t *testing.T, binary string, extraEnv ...string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	work := t.TempDir()
	tempDir := filepath.Join(work, "temp")

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Dir = work
	cmd.Env = append(os.Environ(),
		"VIDSCOPE_CONFIG=",
		"VIDSCOPE_LISTEN_ADDR="+addr,
		"VIDSCOPE_STORE=sqlite",
		"VIDSCOPE_DB_PATH="+filepath.Join(work, "test.db"),
		"VIDSCOPE_TEMP_DIR="+tempDir,
		"VIDSCOPE_STEPS=10",
		"VIDSCOPE_STEP_DELAY=30ms",
		"VIDSCOPE_LOG_LEVEL=info",
	)
	cmd.Env = append(cmd.Env, extraEnv...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:     cmd,
		stdout:  stdout,
		url:     "http://" + addr,
		tempDir: tempDir,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

type segment struct {
	Number    int    `json:"number"`
	Chapter   string `json:"chapter"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Content   string `json:"content"`
	Tags      []struct {
		Name       string  `json:"name"`
		Confidence float64 `json:"confidence"`
	} `json:"tags"`
}

type resultsBody struct {
	Status   string      `json:"status"`
	Progress int         `json:"progress"`
	Results  [][]segment `json:"results"`
	Error    string      `json:"error"`
}

func (sp *serverProc) analyze(t *testing.T, fields map[string]string, video string) (*http.Response, map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	fw, err := mw.CreateFormFile("video", "clip.mp4")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	io.WriteString(fw, video)
	mw.Close()

	resp, err := http.Post(sp.url+"/api/analyze", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /api/analyze: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func (sp *serverProc) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(sp.url + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		json.NewDecoder(resp.Body).Decode(v)
	}
	return resp.StatusCode
}

func (sp *serverProc) delete(t *testing.T, path string) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, sp.url+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

// waitForResults polls the results endpoint until the job leaves pending
// and running, checking that progress never decreases or hits 100 early.
func (sp *serverProc) waitForResults(t *testing.T, id string) resultsBody {
	t.Helper()
	deadline := time.Now().Add(jobTimeout)
	prev := 0
	for time.Now().Before(deadline) {
		var body resultsBody
		code := sp.getJSON(t, "/api/results/"+id, &body)
		switch code {
		case http.StatusOK:
			return body
		case http.StatusAccepted:
			if body.Progress < prev {
				t.Errorf("progress went backwards: %d after %d", body.Progress, prev)
			}
			if body.Progress >= 100 {
				t.Errorf("progress %d reported while %s", body.Progress, body.Status)
			}
			prev = body.Progress
		default:
			t.Fatalf("GET /api/results/%s = %d", id, code)
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("job %s did not finish within %v\nstdout:\n%s", id, jobTimeout, sp.stdout.String())
	return resultsBody{}
}

func tempEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestHealthzAndMetrics(t *testing.T) {
	sp := startServer(t, getBinary(t))

	var health map[string]string
	if code := sp.getJSON(t, "/healthz", &health); code != 200 || health["status"] != "ok" {
		t.Errorf("healthz = %d %v", code, health)
	}

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("vidscope_jobs_dispatched_total")) {
		t.Error("metrics output missing vidscope_jobs_dispatched_total")
	}
}

func TestAnalyzeToResults(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, accepted := sp.analyze(t, map[string]string{"plans": "2"}, "frames")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	id := accepted["job_id"]
	if accepted["message"] != "Analysis started" {
		t.Errorf("message = %q", accepted["message"])
	}

	var progress map[string]int
	if code := sp.getJSON(t, "/api/progress/"+id, &progress); code != 200 {
		t.Fatalf("progress status = %d", code)
	}
	if progress["progress"] >= 100 {
		t.Errorf("progress = %d right after submission", progress["progress"])
	}

	body := sp.waitForResults(t, id)
	if body.Status != "completed" || body.Progress != 100 {
		t.Fatalf("results = %s/%d, want completed/100", body.Status, body.Progress)
	}
	if len(body.Results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(body.Results))
	}
	for v, variant := range body.Results {
		if len(variant) != 5 {
			t.Errorf("variant %d has %d segments, want 5", v, len(variant))
		}
	}
	first := body.Results[0][0]
	if first.Number != 1 || first.Chapter != "Chapter 1" || first.StartTime != "00:00:00" || first.EndTime != "00:05:00" {
		t.Errorf("first segment = %+v", first)
	}
	if len(first.Tags) != 2 || first.Tags[0].Name != "tag1" || first.Tags[1].Name != "tag2" {
		t.Errorf("first segment tags = %+v", first.Tags)
	}
	if want := "Plan 2: content analysis sample 1. System prompt: 'Default system promp...'"; body.Results[1][0].Content != want {
		t.Errorf("content = %q, want %q", body.Results[1][0].Content, want)
	}

	if code := sp.getJSON(t, "/api/progress/"+id, &progress); code != 200 || progress["progress"] != 100 {
		t.Errorf("final progress = %d (status %d), want 100", progress["progress"], code)
	}

	// Inputs are released once the job is terminal.
	deadline := time.Now().Add(2 * time.Second)
	for len(tempEntries(t, sp.tempDir)) > 0 && time.Now().Before(deadline) {
		time.Sleep(pollInterval)
	}
	if names := tempEntries(t, sp.tempDir); len(names) != 0 {
		t.Errorf("temp dir not cleaned: %v", names)
	}
}

func TestAnalyzeValidation(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, body := sp.analyze(t, map[string]string{"plans": "0"}, "frames")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if body["error"] == "" {
		t.Error("expected error message")
	}

	var list struct {
		Total int `json:"total"`
	}
	sp.getJSON(t, "/api/jobs", &list)
	if list.Total != 0 {
		t.Errorf("jobs total = %d, want 0", list.Total)
	}
	if names := tempEntries(t, sp.tempDir); len(names) != 0 {
		t.Errorf("temp dir not empty after rejected submission: %v", names)
	}
}

func TestDeleteMidRun(t *testing.T) {
	sp := startServer(t, getBinary(t), "VIDSCOPE_STEP_DELAY=100ms")

	_, accepted := sp.analyze(t, nil, "frames")
	id := accepted["job_id"]

	time.Sleep(250 * time.Millisecond)
	if code := sp.delete(t, "/api/results/"+id); code != 200 {
		t.Fatalf("delete = %d, want 200", code)
	}
	if code := sp.delete(t, "/api/results/"+id); code != 200 {
		t.Errorf("second delete = %d, want 200", code)
	}

	// The run keeps going in the background; its writes must not resurrect
	// the job.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if code := sp.getJSON(t, "/api/progress/"+id, nil); code != http.StatusNotFound {
			t.Fatalf("progress after delete = %d, want 404", code)
		}
		if code := sp.getJSON(t, "/api/results/"+id, nil); code != http.StatusNotFound {
			t.Fatalf("results after delete = %d, want 404", code)
		}
		if len(tempEntries(t, sp.tempDir)) == 0 {
			return
		}
		time.Sleep(pollInterval)
	}
	t.Errorf("artifacts of the deleted job were never released: %v", tempEntries(t, sp.tempDir))
}

func TestUnknownJob(t *testing.T) {
	sp := startServer(t, getBinary(t))

	for _, path := range []string{"/api/progress/", "/api/results/", "/api/jobs/"} {
		if code := sp.getJSON(t, path+"01ARZ3NDEKTSV4RRFFQ69G5FAV", nil); code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, code)
		}
	}
	if code := sp.delete(t, "/api/results/01ARZ3NDEKTSV4RRFFQ69G5FAV"); code != 200 {
		t.Errorf("delete unknown = %d, want 200", code)
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	sp := startServer(t, getBinary(t), "VIDSCOPE_MAX_CONCURRENT_JOBS=2")

	ids := make([]string, 6)
	var wg sync.WaitGroup
	errs := make(chan string, len(ids))
	for i := range ids {
		wg.Go(func() {
			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			mw.WriteField("plans", fmt.Sprint(i%3+1))
			fw, _ := mw.CreateFormFile("video", "clip.mp4")
			io.WriteString(fw, "frames")
			mw.Close()

			resp, err := http.Post(sp.url+"/api/analyze", mw.FormDataContentType(), &buf)
			if err != nil {
				errs <- err.Error()
				return
			}
			defer resp.Body.Close()
			var body map[string]string
			json.NewDecoder(resp.Body).Decode(&body)
			ids[i] = body["job_id"]
		})
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatalf("submit: %s", e)
	}

	seen := make(map[string]bool)
	for i, id := range ids {
		if id == "" || seen[id] {
			t.Fatalf("job id %d = %q, want unique non-empty", i, id)
		}
		seen[id] = true

		body := sp.waitForResults(t, id)
		if body.Status != "completed" || len(body.Results) != i%3+1 {
			t.Errorf("job %d: %s with %d variants, want completed with %d", i, body.Status, len(body.Results), i%3+1)
		}
	}

	var stats struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"by_status"`
	}
	sp.getJSON(t, "/api/stats", &stats)
	if stats.Total != 6 || stats.ByStatus["completed"] != 6 {
		t.Errorf("stats = %+v, want 6 completed", stats)
	}
}
