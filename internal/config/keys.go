package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "STORYD_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "STORYD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.static_dir", typ: kString, env: "STORYD_SERVER_STATIC_DIR",
		apply:   func(cfg *Config, v any) { cfg.Server.StaticDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.StaticDir },
	},
	{
		key: "log.level", typ: kString, env: "STORYD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "generation.backend", typ: kString, env: "STORYD_GENERATION_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Generation.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Backend },
	},
	{
		key: "generation.model", typ: kString, env: "STORYD_GENERATION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Model },
	},
	{
		key: "generation.timeout", typ: kDuration, env: "STORYD_GENERATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Generation.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.Timeout },
	},
	{
		key: "generation.connect_timeout", typ: kDuration, env: "STORYD_GENERATION_CONNECT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Generation.ConnectTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.ConnectTimeout },
	},
	{
		key: "generation.job_ttl", typ: kDuration, env: "STORYD_GENERATION_JOB_TTL",
		apply:   func(cfg *Config, v any) { cfg.Generation.JobTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.JobTTL },
	},
	{
		key: "generation.sweep_interval", typ: kDuration, env: "STORYD_GENERATION_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Generation.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.SweepInterval },
	},
	{
		key: "ollama.base_url", typ: kString, env: "STORYD_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.pull_on_start", typ: kBool, env: "STORYD_OLLAMA_PULL_ON_START",
		apply:   func(cfg *Config, v any) { cfg.Ollama.PullOnStart = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ollama.PullOnStart },
	},
	{
		key: "openai.base_url", typ: kString, env: "STORYD_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.api_key", typ: kString, env: "STORYD_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "tts.base_url", typ: kString, env: "STORYD_TTS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.TTS.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.TTS.BaseURL },
	},
	{
		key: "tts.default_voice", typ: kString, env: "STORYD_TTS_DEFAULT_VOICE",
		apply:   func(cfg *Config, v any) { cfg.TTS.DefaultVoice = v.(string) },
		extract: func(cfg Config) any { return cfg.TTS.DefaultVoice },
	},
	{
		key: "tts.batch_samples", typ: kInt, env: "STORYD_TTS_BATCH_SAMPLES",
		apply:   func(cfg *Config, v any) { cfg.TTS.BatchSamples = v.(int) },
		extract: func(cfg Config) any { return cfg.TTS.BatchSamples },
	},
	{
		key: "stt.base_url", typ: kString, env: "STORYD_STT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.STT.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.STT.BaseURL },
	},
	{
		key: "stories.dir", typ: kString, env: "STORYD_STORIES_DIR",
		apply:   func(cfg *Config, v any) { cfg.Stories.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Stories.Dir },
	},
	{
		key: "storage.data_dir", typ: kString, env: "STORYD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "nats.url", typ: kString, env: "STORYD_NATS_URL",
		apply:   func(cfg *Config, v any) { cfg.NATS.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.NATS.URL },
	},
	{
		key: "nats.subject", typ: kString, env: "STORYD_NATS_SUBJECT",
		apply:   func(cfg *Config, v any) { cfg.NATS.Subject = v.(string) },
		extract: func(cfg Config) any { return cfg.NATS.Subject },
	},
}

// parse converts a raw string into the Go value expected by s.apply.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return nil, fmt.Errorf("unsupported type for %s", s.key)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			if pv, err := s.parse(v); err == nil {
				s.apply(cfg, pv)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
