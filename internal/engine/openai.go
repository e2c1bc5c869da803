package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEngine streams chat completions from any OpenAI-compatible server
// (OpenAI, llama.cpp server, vLLM, mlx-lm).
type OpenAIEngine struct {
	client *openai.Client
}

// NewOpenAIEngine creates an OpenAIEngine. An empty baseURL keeps the
// library default.
func NewOpenAIEngine(baseURL, apiKey string, timeout, connectTimeout time.Duration) *OpenAIEngine {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}
	config.HTTPClient = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
			TLSHandshakeTimeout: connectTimeout,
		},
	}
	return &OpenAIEngine{client: openai.NewClientWithConfig(config)}
}

func (e *OpenAIEngine) ChatStream(ctx context.Context, model string, messages []Message, onDelta func(string)) error {
	in := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		in = append(in, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	stream, err := e.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: in,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("opening completion stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading completion stream: %w", err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				onDelta(choice.Delta.Content)
			}
		}
	}
}

func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.client.ListModels(ctx)
	return err == nil
}

func (e *OpenAIEngine) ListModels(ctx context.Context) ([]string, error) {
	list, err := e.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	names := make([]string, len(list.Models))
	for i, m := range list.Models {
		names[i] = m.ID
	}
	return names, nil
}

func (e *OpenAIEngine) HasModel(ctx context.Context, name string) bool {
	models, err := e.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name {
			return true
		}
	}
	return false
}

// PullModel always fails; hosted models cannot be downloaded through the API.
func (e *OpenAIEngine) PullModel(_ context.Context, _ string, _ func(PullProgress)) error {
	return ErrPullUnsupported
}
