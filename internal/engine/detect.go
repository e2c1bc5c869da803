package engine

import (
	"fmt"
	"time"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Backend        string // "ollama" (default) or "openai"
	OllamaBaseURL  string
	OpenAIBaseURL  string
	OpenAIAPIKey   string
	Timeout        time.Duration
	ConnectTimeout time.Duration
}

// Detect returns the Engine named by cfg.Backend.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Backend {
	case "", "ollama":
		return NewOllamaEngine(cfg.OllamaBaseURL, cfg.Timeout, cfg.ConnectTimeout), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai backend requires an API key")
		}
		return NewOpenAIEngine(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.Timeout, cfg.ConnectTimeout), nil
	}
	return nil, fmt.Errorf("unknown generation backend %q", cfg.Backend)
}
