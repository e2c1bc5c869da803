package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/storyd/internal/engine"
	"github.com/kalambet/storyd/internal/jobs"
)

type startGenerationRequest struct {
	Messages []engine.Message `json:"messages"`
}

func handleStartGeneration(c JobController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startGenerationRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		id, err := c.Start(req.Messages)
		switch {
		case errors.Is(err, jobs.ErrInvalidInput):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, jobs.ErrClosed):
			httpError(w, http.StatusServiceUnavailable, "unavailable", "server is shutting down")
			return
		case err != nil:
			slog.Error("failed to start generation", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "internal server error")
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"job_id": id})
	}
}

func handleGetChunk(c JobController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "job_id"))

		job, err := c.Poll(id)
		if errors.Is(err, jobs.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job %q not found", id)
			return
		}
		if err != nil {
			slog.Error("failed to poll job", "job_id", id, "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "internal server error")
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"text":   job.Text,
			"status": string(job.Status),
		})
	}
}
