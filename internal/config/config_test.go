package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	value string
	err   error
}

func (m mockKeychain) Get(service, account string) (string, error) {
	return m.value, m.err
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv blanks every STORYD_* override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `# empty config`)

	cfg, err := loadFromPath(path, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Generation.Backend != BackendOllama {
		t.Errorf("Generation.Backend = %q, want %q", cfg.Generation.Backend, BackendOllama)
	}
	if cfg.Generation.Timeout != 600*time.Second {
		t.Errorf("Generation.Timeout = %v, want 600s", cfg.Generation.Timeout)
	}
	if cfg.Generation.ConnectTimeout != 60*time.Second {
		t.Errorf("Generation.ConnectTimeout = %v, want 60s", cfg.Generation.ConnectTimeout)
	}
	if cfg.Generation.JobTTL != 0 {
		t.Errorf("Generation.JobTTL = %v, want 0", cfg.Generation.JobTTL)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q, want %q", cfg.Ollama.BaseURL, "http://localhost:11434")
	}
	if cfg.TTS.DefaultVoice != "af_sarah" {
		t.Errorf("TTS.DefaultVoice = %q, want %q", cfg.TTS.DefaultVoice, "af_sarah")
	}
	if cfg.NATS.URL != "" {
		t.Errorf("NATS.URL = %q, want empty", cfg.NATS.URL)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `[server]
port = 9000

[generation]
model = "file-model"
`)

	t.Setenv("STORYD_SERVER_PORT", "9100")
	t.Setenv("STORYD_GENERATION_TIMEOUT", "2m")

	cfg, err := loadFromPath(path, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Generation.Model != "file-model" {
		t.Errorf("Generation.Model = %q, want %q", cfg.Generation.Model, "file-model")
	}
	if cfg.Generation.Timeout != 2*time.Minute {
		t.Errorf("Generation.Timeout = %v, want 2m", cfg.Generation.Timeout)
	}
}

// TestMissingRequiredField verifies a clear error when the OpenAI backend has no key anywhere.
func TestMissingRequiredField(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `[generation]
backend = "openai"
`)

	_, err := loadFromPath(path, mockKeychain{err: errors.New("not found")})
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}

	want := "missing required config"
	if got := err.Error(); !strings.Contains(got, want) {
		t.Errorf("error = %q, want it to contain %q", got, want)
	}
}

func TestInvalidBackend(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `[generation]
backend = "llamafile"
`)

	if _, err := loadFromPath(path, mockKeychain{}); err == nil {
		t.Fatal("expected error for unknown backend, got nil")
	}
}

// TestTOMLParsing verifies that all fields are correctly read from a TOML file.
func TestTOMLParsing(t *testing.T) {
	clearEnv(t)
	content := `
[server]
host = "0.0.0.0"
port = 5000
static_dir = "/srv/static"

[generation]
model = "mistral"
timeout = "90s"
job_ttl = "30m"

[ollama]
base_url = "http://custom:11434"
pull_on_start = false

[tts]
default_voice = "bf_emma"
batch_samples = 2400

[storage]
data_dir = "/tmp/storyd-test"

[nats]
url = "nats://127.0.0.1:4222"
`
	path := writeTempConfig(t, content)

	cfg, err := loadFromPath(path, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Server.StaticDir != "/srv/static" {
		t.Errorf("Server.StaticDir = %q", cfg.Server.StaticDir)
	}
	if cfg.Generation.Model != "mistral" {
		t.Errorf("Generation.Model = %q", cfg.Generation.Model)
	}
	if cfg.Generation.Timeout != 90*time.Second {
		t.Errorf("Generation.Timeout = %v", cfg.Generation.Timeout)
	}
	if cfg.Generation.JobTTL != 30*time.Minute {
		t.Errorf("Generation.JobTTL = %v", cfg.Generation.JobTTL)
	}
	if cfg.Ollama.BaseURL != "http://custom:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ollama.PullOnStart {
		t.Error("Ollama.PullOnStart = true, want false")
	}
	if cfg.TTS.DefaultVoice != "bf_emma" {
		t.Errorf("TTS.DefaultVoice = %q", cfg.TTS.DefaultVoice)
	}
	if cfg.TTS.BatchSamples != 2400 {
		t.Errorf("TTS.BatchSamples = %d", cfg.TTS.BatchSamples)
	}
	if cfg.Storage.DataDir != "/tmp/storyd-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.NATS.URL != "nats://127.0.0.1:4222" {
		t.Errorf("NATS.URL = %q", cfg.NATS.URL)
	}
}

// TestKeychainFallback verifies the Keychain is consulted when no API key is in env.
func TestKeychainFallback(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `[generation]
backend = "openai"
`)

	kc := mockKeychain{value: "keychain-secret"}
	cfg, err := loadFromPath(path, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.OpenAI.APIKey != "keychain-secret" {
		t.Errorf("OpenAI.APIKey = %q, want %q", cfg.OpenAI.APIKey, "keychain-secret")
	}
}

func TestSetKeyRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	b := newFileBackend(path)

	if err := setKeyWith(b, "server.port", "8123"); err != nil {
		t.Fatalf("set server.port: %v", err)
	}
	if err := setKeyWith(b, "generation.job_ttl", "15m"); err != nil {
		t.Fatalf("set generation.job_ttl: %v", err)
	}
	if err := setKeyWith(b, "server.port", "not-a-number"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKeyWith(b, "openai.api_key", "x"); err == nil {
		t.Error("expected error when setting a secret")
	}
	if err := setKeyWith(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	cfg, err := loadFromPath(path, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("Server.Port = %d, want 8123", cfg.Server.Port)
	}
	if cfg.Generation.JobTTL != 15*time.Minute {
		t.Errorf("Generation.JobTTL = %v, want 15m", cfg.Generation.JobTTL)
	}
}

func TestShowAllOmitsSecrets(t *testing.T) {
	cfg := defaults()
	cfg.OpenAI.APIKey = "hidden"
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "openai.api_key" {
			t.Fatal("ShowAll exposed a secret key")
		}
	}
}
