package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/storyd/internal/engine"
	"github.com/kalambet/storyd/internal/jobs"
	"github.com/kalambet/storyd/internal/storage"
)

// --- fakes ---

type fakeJobs struct {
	startID  string
	startErr error
	job      jobs.Job
	pollErr  error
	active   int
	started  [][]engine.Message
}

func (f *fakeJobs) Start(messages []engine.Message) (string, error) {
	f.started = append(f.started, messages)
	return f.startID, f.startErr
}

func (f *fakeJobs) Poll(id string) (jobs.Job, error) {
	if f.pollErr != nil {
		return jobs.Job{}, f.pollErr
	}
	j := f.job
	j.ID = id
	return j, nil
}

func (f *fakeJobs) Active() int { return f.active }

type generatorFunc func(ctx context.Context, model string, messages []engine.Message, onDelta func(string)) error

func (f generatorFunc) ChatStream(ctx context.Context, model string, messages []engine.Message, onDelta func(string)) error {
	return f(ctx, model, messages, onDelta)
}

func fragments(parts ...string) generatorFunc {
	return func(ctx context.Context, _ string, _ []engine.Message, onDelta func(string)) error {
		for _, p := range parts {
			onDelta(p)
		}
		return nil
	}
}

type fakeHistory struct {
	gens      []storage.Generation
	err       error
	gotLimit  int
	gotStatus string
}

func (f *fakeHistory) RecentGenerations(limit int, status string) ([]storage.Generation, error) {
	f.gotLimit = limit
	f.gotStatus = status
	return f.gens, f.err
}

func (f *fakeHistory) GetGeneration(id string) (storage.Generation, error) {
	if f.err != nil {
		return storage.Generation{}, f.err
	}
	for _, g := range f.gens {
		if g.ID == id {
			return g, nil
		}
	}
	return storage.Generation{}, storage.ErrNotFound
}

// --- helpers ---

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, r)
	h.ServeHTTP(rr, req)
	return rr
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body.Error.Message == "" {
		t.Error("error message is empty")
	}
	return body.Error.Type
}

// --- tests ---

func TestHealth(t *testing.T) {
	h := NewHandler(Deps{Jobs: &fakeJobs{active: 2}})

	rr := do(t, h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var body map[string]any
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["active_jobs"] != float64(2) {
		t.Errorf("active_jobs = %v, want 2", body["active_jobs"])
	}
	if body["tts"] != false || body["stt"] != false {
		t.Errorf("tts/stt = %v/%v, want false/false", body["tts"], body["stt"])
	}
}

func TestStartGeneration(t *testing.T) {
	fj := &fakeJobs{startID: "job-1"}
	h := NewHandler(Deps{Jobs: fj})

	rr := do(t, h, http.MethodPost, "/start_story_generation",
		`{"messages":[{"role":"user","content":"a dragon"}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["job_id"] != "job-1" {
		t.Errorf("job_id = %q, want job-1", body["job_id"])
	}
	if len(fj.started) != 1 || fj.started[0][0].Content != "a dragon" {
		t.Errorf("started = %v", fj.started)
	}
}

func TestStartGeneration_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		wantCode int
	}{
		{"malformed json", `{"messages":`, nil, http.StatusBadRequest},
		{"invalid input", `{"messages":[]}`, fmt.Errorf("%w: empty", jobs.ErrInvalidInput), http.StatusBadRequest},
		{"shutting down", `{"messages":[{"role":"user","content":"x"}]}`, fmt.Errorf("starting job: %w", jobs.ErrClosed), http.StatusServiceUnavailable},
		{"unexpected", `{"messages":[{"role":"user","content":"x"}]}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(Deps{Jobs: &fakeJobs{startErr: tt.startErr}})
			rr := do(t, h, http.MethodPost, "/start_story_generation", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			errorType(t, rr)
		})
	}
}

func TestStartGeneration_BodyTooLarge(t *testing.T) {
	h := NewHandler(Deps{Jobs: &fakeJobs{startID: "x"}})
	big := `{"messages":[{"role":"user","content":"` + strings.Repeat("a", maxRequestBodySize) + `"}]}`

	rr := do(t, h, http.MethodPost, "/start_story_generation", big)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestGetChunk(t *testing.T) {
	fj := &fakeJobs{job: jobs.Job{Text: "Once upon", Status: jobs.StatusInProgress}}
	h := NewHandler(Deps{Jobs: fj})

	rr := do(t, h, http.MethodGet, "/get_story_chunk/abc", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["text"] != "Once upon" || body["status"] != "in_progress" {
		t.Errorf("body = %v", body)
	}
}

func TestGetChunk_NotFound(t *testing.T) {
	h := NewHandler(Deps{Jobs: &fakeJobs{pollErr: jobs.ErrNotFound}})

	rr := do(t, h, http.MethodGet, "/get_story_chunk/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	if got := errorType(t, rr); got != "not_found" {
		t.Errorf("type = %q, want not_found", got)
	}
}

// TestGenerationLifecycle drives the real job components through the HTTP
// surface: start, poll until terminal, then the id is gone.
func TestGenerationLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := jobs.NewStore()
	runner := jobs.NewRunner(store, fragments("Once ", "upon ", "a time"), "test-model")
	sup := jobs.NewSupervisor(ctx)
	ctrl := jobs.NewController(store, runner, sup)
	h := NewHandler(Deps{Jobs: ctrl})

	rr := do(t, h, http.MethodPost, "/start_story_generation", `{"messages":[{"role":"user","content":"tell me"}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("start status = %d; body: %s", rr.Code, rr.Body.String())
	}
	var started map[string]string
	json.NewDecoder(rr.Body).Decode(&started)
	id := started["job_id"]

	var final map[string]string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rr = do(t, h, http.MethodGet, "/get_story_chunk/"+id, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("poll status = %d; body: %s", rr.Code, rr.Body.String())
		}
		var body map[string]string
		json.NewDecoder(rr.Body).Decode(&body)
		if body["status"] != string(jobs.StatusInProgress) {
			final = body
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if final == nil {
		t.Fatal("job never finished")
	}
	if final["status"] != "complete" || final["text"] != "Once upon a time" {
		t.Errorf("final = %v", final)
	}

	rr = do(t, h, http.MethodGet, "/get_story_chunk/"+id, "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("poll after completion = %d, want %d", rr.Code, http.StatusNotFound)
	}

	cancel()
	sup.Wait()
}

func TestStory_StreamsPlainText(t *testing.T) {
	h := NewHandler(Deps{Generator: fragments("Once ", "*upon*", " a time"), Model: "m"})

	rr := do(t, h, http.MethodPost, "/story", `{"prompt":"a fox"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if got := rr.Body.String(); got != "Once upon a time" {
		t.Errorf("body = %q", got)
	}
}

func TestStory_Errors(t *testing.T) {
	failing := generatorFunc(func(context.Context, string, []engine.Message, func(string)) error {
		return errors.New("connection refused")
	})

	tests := []struct {
		name     string
		gen      StreamGenerator
		body     string
		wantCode int
	}{
		{"no backend", nil, `{"prompt":"x"}`, http.StatusServiceUnavailable},
		{"empty prompt", fragments("x"), `{"prompt":"  "}`, http.StatusBadRequest},
		{"upstream failure", failing, `{"prompt":"x"}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(Deps{Generator: tt.gen})
			rr := do(t, h, http.MethodPost, "/story", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
		})
	}
}

func TestStory_FailureAfterOutputAborts(t *testing.T) {
	gen := generatorFunc(func(_ context.Context, _ string, _ []engine.Message, onDelta func(string)) error {
		onDelta("Once ")
		return errors.New("stream broke")
	})
	h := NewHandler(Deps{Generator: gen})

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	do(t, h, http.MethodPost, "/story", `{"prompt":"x"}`)
	t.Fatal("handler returned normally")
}

func TestStory_PanicAfterOutputAborts(t *testing.T) {
	gen := generatorFunc(func(_ context.Context, _ string, _ []engine.Message, onDelta func(string)) error {
		onDelta("Once ")
		panic("nil map write")
	})
	h := NewHandler(Deps{Generator: gen})

	rr := httptest.NewRecorder()
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", rec)
		}
		if body := rr.Body.String(); body != "Once " {
			t.Errorf("body = %q, want only the streamed text", body)
		}
	}()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/story", strings.NewReader(`{"prompt":"x"}`)))
	t.Fatal("handler returned normally")
}

func TestGenerations(t *testing.T) {
	fh := &fakeHistory{gens: []storage.Generation{{ID: "g1", Status: "complete", Text: "The end."}}}
	h := NewHandler(Deps{History: fh})

	rr := do(t, h, http.MethodGet, "/generations?limit=5&status=complete", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if fh.gotLimit != 5 || fh.gotStatus != "complete" {
		t.Errorf("query = (%d, %q), want (5, complete)", fh.gotLimit, fh.gotStatus)
	}

	var body struct {
		Generations []storage.Generation `json:"generations"`
	}
	json.NewDecoder(rr.Body).Decode(&body)
	if len(body.Generations) != 1 || body.Generations[0].ID != "g1" {
		t.Errorf("generations = %+v", body.Generations)
	}
}

func TestGenerations_DefaultsAndValidation(t *testing.T) {
	fh := &fakeHistory{}
	h := NewHandler(Deps{History: fh})

	rr := do(t, h, http.MethodGet, "/generations", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if fh.gotLimit != defaultHistoryLimit {
		t.Errorf("limit = %d, want %d", fh.gotLimit, defaultHistoryLimit)
	}
	if !strings.Contains(rr.Body.String(), `"generations":[]`) {
		t.Errorf("body = %s, want empty array", rr.Body.String())
	}

	do(t, h, http.MethodGet, "/generations?limit=100000", "")
	if fh.gotLimit != maxHistoryLimit {
		t.Errorf("limit = %d, want cap %d", fh.gotLimit, maxHistoryLimit)
	}

	for _, q := range []string{"limit=0", "limit=abc", "status=running"} {
		rr := do(t, h, http.MethodGet, "/generations?"+q, "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", q, rr.Code, http.StatusBadRequest)
		}
	}

	rr = do(t, NewHandler(Deps{}), http.MethodGet, "/generations", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("no history: status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestGetGeneration(t *testing.T) {
	fh := &fakeHistory{gens: []storage.Generation{{ID: "g1", Status: "error", Error: "backend down"}}}
	h := NewHandler(Deps{History: fh})

	rr := do(t, h, http.MethodGet, "/generations/g1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var g storage.Generation
	json.NewDecoder(rr.Body).Decode(&g)
	if g.ID != "g1" || g.Error != "backend down" {
		t.Errorf("generation = %+v", g)
	}

	rr = do(t, h, http.MethodGet, "/generations/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	if got := errorType(t, rr); got != "not_found" {
		t.Errorf("error type = %q, want not_found", got)
	}
}

func TestRecoverer(t *testing.T) {
	h := recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("nil map write")
	}))

	rr := do(t, h, http.MethodGet, "/", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if strings.Contains(rr.Body.String(), "nil map") {
		t.Errorf("panic detail leaked to client: %s", rr.Body.String())
	}
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>storyd</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := NewHandler(Deps{StaticDir: dir})

	rr := do(t, h, http.MethodGet, "/", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("storyd")) {
		t.Errorf("body = %q", rr.Body.String())
	}
}
