package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/storyd/internal/storage"
	"github.com/kalambet/storyd/internal/stories"
)

type saveStoryRequest struct {
	Title     string            `json:"title"`
	Messages  []stories.Message `json:"messages"`
	StoryText string            `json:"story_text"`
}

func handleSaveStory(s *stories.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "story storage not configured")
			return
		}

		var req saveStoryRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		filename, err := s.Save(req.Title, req.Messages, req.StoryText)
		if errors.Is(err, stories.ErrInvalidInput) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			slog.Error("failed to save story", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "internal server error")
			return
		}

		slog.Info("story saved", "filename", filename)
		writeJSON(w, http.StatusOK, map[string]string{"filename": filename})
	}
}

func handleListStories(s *stories.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "story storage not configured")
			return
		}

		list, err := s.List()
		if err != nil {
			slog.Error("failed to list stories", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stories": list})
	}
}

func handleLoadStory(s *stories.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "story storage not configured")
			return
		}

		filename := chi.URLParam(r, "filename")
		doc, err := s.Load(filename)
		switch {
		case errors.Is(err, stories.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "story %q not found", filename)
			return
		case errors.Is(err, stories.ErrInvalidInput):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			slog.Error("failed to load story", "filename", filename, "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

func handleGenerations(h HistoryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "generation history not configured")
			return
		}

		limit := defaultHistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		status := r.URL.Query().Get("status")
		switch status {
		case "", "complete", "error":
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "status must be \"complete\" or \"error\"")
			return
		}

		gens, err := h.RecentGenerations(limit, status)
		if err != nil {
			slog.Error("failed to read generation history", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "internal server error")
			return
		}
		if gens == nil {
			gens = []storage.Generation{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"generations": gens})
	}
}

func handleGetGeneration(h HistoryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "generation history not configured")
			return
		}

		id := chi.URLParam(r, "id")
		g, err := h.GetGeneration(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "generation %s not found", id)
			return
		}
		if err != nil {
			slog.Error("failed to read generation", "id", id, "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}
