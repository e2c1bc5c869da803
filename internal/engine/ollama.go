package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kalambet/storyd/internal/ollama"
)

// OllamaEngine adapts the internal/ollama.Client to the Engine interface.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
// Non-zero timeouts bound streamed chat requests.
func NewOllamaEngine(baseURL string, timeout, connectTimeout time.Duration) *OllamaEngine {
	var opts []ollama.Option
	if timeout > 0 || connectTimeout > 0 {
		opts = append(opts, ollama.WithTimeouts(timeout, connectTimeout))
	}
	return &OllamaEngine{client: ollama.New(baseURL, opts...)}
}

func (e *OllamaEngine) ChatStream(ctx context.Context, model string, messages []Message, onDelta func(string)) error {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	err := e.client.ChatStream(ctx, model, msgs, onDelta)
	if ollama.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("model %s is not pulled on the ollama server: %w", model, err)
	}
	return err
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}
