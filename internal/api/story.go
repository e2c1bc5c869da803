package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/kalambet/storyd/internal/engine"
)

type storyRequest struct {
	Prompt string `json:"prompt"`
}

// handleStory streams a single prompt's completion as plain text. Unlike the
// job endpoints the client holds the connection for the whole generation.
func handleStory(gen StreamGenerator, model string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if gen == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "no generation backend configured")
			return
		}

		var req storyRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}

		rc := http.NewResponseController(w)
		wrote := false
		var writeErr error
		onDelta := func(delta string) {
			delta = strings.ReplaceAll(delta, "*", "")
			if delta == "" || writeErr != nil {
				return
			}
			if !wrote {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.Header().Set("Cache-Control", "no-cache")
				wrote = true
			}
			if _, err := w.Write([]byte(delta)); err != nil {
				writeErr = err
				return
			}
			writeErr = rc.Flush()
		}

		msgs := []engine.Message{{Role: "user", Content: req.Prompt}}
		err := gen.ChatStream(r.Context(), model, msgs, onDelta)
		if err == nil {
			err = writeErr
		}
		if err == nil {
			if !wrote {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusOK)
			}
			return
		}

		if !wrote {
			slog.Warn("story generation failed", "error", err)
			httpError(w, http.StatusBadGateway, "upstream_error", "generation failed: %v", err)
			return
		}
		slog.Warn("story stream interrupted", "error", err)
		panic(http.ErrAbortHandler)
	}
}
