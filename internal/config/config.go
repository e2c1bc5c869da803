package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Generation GenerationConfig
	Ollama     OllamaConfig
	OpenAI     OpenAIConfig
	TTS        TTSConfig
	STT        STTConfig
	Stories    StoriesConfig
	Storage    StorageConfig
	NATS       NATSConfig
}

type ServerConfig struct {
	Host      string
	Port      int
	StaticDir string
}

type LogConfig struct {
	Level string
}

// GenerationConfig controls story generation jobs.
type GenerationConfig struct {
	Backend        string // "ollama" or "openai"
	Model          string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	// JobTTL evicts jobs nobody polled to completion. Zero disables the sweeper.
	JobTTL        time.Duration
	SweepInterval time.Duration
}

type OllamaConfig struct {
	BaseURL     string
	PullOnStart bool
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
}

type TTSConfig struct {
	BaseURL      string
	DefaultVoice string
	BatchSamples int
}

type STTConfig struct {
	BaseURL string
}

type StoriesConfig struct {
	Dir string
}

type StorageConfig struct {
	DataDir string
}

type NATSConfig struct {
	URL     string
	Subject string
}

const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
)

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8000,
			StaticDir: "static",
		},
		Log: LogConfig{
			Level: "info",
		},
		Generation: GenerationConfig{
			Backend:        BackendOllama,
			Model:          "llama3.1",
			Timeout:        600 * time.Second,
			ConnectTimeout: 60 * time.Second,
			SweepInterval:  time.Minute,
		},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			PullOnStart: true,
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		TTS: TTSConfig{
			BaseURL:      "http://localhost:8880",
			DefaultVoice: "af_sarah",
			BatchSamples: 4800,
		},
		STT: STTConfig{
			BaseURL: "http://localhost:8081",
		},
		Stories: StoriesConfig{
			Dir: "stories",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		NATS: NATSConfig{
			Subject: "storyd.generation.finished",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.storyd.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a TOML file at $XDG_CONFIG_HOME/storyd/config.toml
// and secrets fall back to $XDG_DATA_HOME/storyd/secrets.json.
//
// Environment variables (STORYD_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// LoadFile is like Load but reads backend values from the TOML file at path.
func LoadFile(path string) (Config, error) {
	return loadFromPath(path, keychainReader{})
}

func loadFromPath(path string, kc keychain) (Config, error) {
	return loadWith(newFileBackend(path), kc)
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	switch cfg.Generation.Backend {
	case BackendOllama:
	case BackendOpenAI:
		if cfg.OpenAI.APIKey == "" {
			if key, err := kc.Get("storyd", "openai_api_key"); err == nil && key != "" {
				cfg.OpenAI.APIKey = key
			}
		}
		if cfg.OpenAI.APIKey == "" {
			msg := "missing required config: OpenAI API key. " +
				"Set it via environment variable STORYD_OPENAI_API_KEY" +
				apiKeyHint()
			return Config{}, fmt.Errorf("%s", msg)
		}
	default:
		return Config{}, fmt.Errorf("invalid generation.backend %q: want %q or %q",
			cfg.Generation.Backend, BackendOllama, BackendOpenAI)
	}

	return cfg, nil
}

// keychainReader reads secrets from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
