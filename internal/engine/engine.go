package engine

import "context"

// Engine abstracts a text-generation backend (Ollama or any OpenAI-compatible
// server). Generation jobs and the legacy story stream use this interface
// instead of depending on a concrete client.
type Engine interface {
	// ChatStream sends messages to the given model with streaming enabled and
	// calls onDelta with each content fragment in the order the backend
	// produced it. It returns nil when the stream ends normally.
	ChatStream(ctx context.Context, model string, messages []Message, onDelta func(string)) error

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
