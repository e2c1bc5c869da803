package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/storyd/internal/audio"
	"github.com/kalambet/storyd/internal/engine"
	"github.com/kalambet/storyd/internal/jobs"
	"github.com/kalambet/storyd/internal/speech"
	"github.com/kalambet/storyd/internal/storage"
	"github.com/kalambet/storyd/internal/stories"
)

const maxRequestBodySize = 1 << 20 // 1MB

// JobController starts generation jobs and reports their progress.
// *jobs.Controller satisfies it.
type JobController interface {
	Start(messages []engine.Message) (string, error)
	Poll(id string) (jobs.Job, error)
	Active() int
}

// StreamGenerator streams one completion. engine.Engine satisfies it.
type StreamGenerator interface {
	ChatStream(ctx context.Context, model string, messages []engine.Message, onDelta func(string)) error
}

// HistoryStore reads archived generations. *storage.Store satisfies it.
type HistoryStore interface {
	RecentGenerations(limit int, status string) ([]storage.Generation, error)
	GetGeneration(id string) (storage.Generation, error)
}

// Deps holds everything the HTTP surface needs. Transcriber and History may
// be nil; the routes that depend on them answer 503.
type Deps struct {
	Jobs        JobController
	Generator   StreamGenerator
	Model       string
	Encoder     *audio.Encoder
	Transcriber speech.Transcriber
	Stories     *stories.Store
	History     HistoryStore
	StaticDir   string
}

// NewHandler returns the gateway's http.Handler.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(recoverer)

	r.Get("/health", handleHealth(deps))

	r.Post("/start_story_generation", handleStartGeneration(deps.Jobs))
	r.Get("/get_story_chunk/{job_id}", handleGetChunk(deps.Jobs))
	r.Post("/story", handleStory(deps.Generator, deps.Model))

	r.Post("/tts_stream", handleTTSStream(deps.Encoder))
	r.Get("/tts_ws", handleTTSWebSocket(deps.Encoder))
	r.Post("/stt", handleSTT(deps.Transcriber))
	r.Post("/asr", handleASR(deps.Transcriber))

	r.Post("/save_story", handleSaveStory(deps.Stories))
	r.Get("/list_stories", handleListStories(deps.Stories))
	r.Get("/load_story/{filename}", handleLoadStory(deps.Stories))

	r.Get("/generations", handleGenerations(deps.History))
	r.Get("/generations/{id}", handleGetGeneration(deps.History))

	if deps.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(deps.StaticDir)))
	}

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := 0
		if deps.Jobs != nil {
			active = deps.Jobs.Active()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"active_jobs": active,
			"tts":         deps.Encoder != nil && deps.Encoder.Available(),
			"stt":         deps.Transcriber != nil,
		})
	}
}

// recoverer turns a handler panic into a 500 and logs the stack. It lets
// http.ErrAbortHandler through so the server drops the connection. A panic
// after the response has started is turned into an abort as well, since a
// JSON error body appended to a half-sent stream would read as stream data.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.Error("handler panic",
				"path", r.URL.Path,
				"request_id", middleware.GetReqID(r.Context()),
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			if ww.Status() != 0 || ww.BytesWritten() > 0 {
				panic(http.ErrAbortHandler)
			}
			httpError(ww, http.StatusInternalServerError, "server_error", "internal server error")
		}()
		next.ServeHTTP(ww, r)
	})
}

// decodeBody reads a size-limited JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid JSON: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
