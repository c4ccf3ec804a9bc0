package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
	kList
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
		key: "server.port", typ: kInt, env: "LACC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "LACC_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "server.cors_origins", typ: kList, env: "LACC_SERVER_CORS_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.CORSOrigins = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Server.CORSOrigins, ",") },
	},
	{
		key: "ollama.base_url", typ: kString, env: "LACC_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.binary", typ: kString, env: "LACC_OLLAMA_BINARY",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Binary = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Binary },
	},
	{
		key: "ollama.model", typ: kString, env: "LACC_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "ollama.ready_marker", typ: kString, env: "LACC_OLLAMA_READY_MARKER",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ReadyMarker = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ReadyMarker },
	},
	{
		key: "ollama.max_restarts", typ: kInt, env: "LACC_OLLAMA_MAX_RESTARTS",
		apply:   func(cfg *Config, v any) { cfg.Ollama.MaxRestarts = v.(int) },
		extract: func(cfg Config) any { return cfg.Ollama.MaxRestarts },
	},
	{
		key: "ollama.restart_backoff", typ: kDuration, env: "LACC_OLLAMA_RESTART_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Ollama.RestartBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ollama.RestartBackoff },
	},
	{
		key: "ollama.probe_timeout", typ: kDuration, env: "LACC_OLLAMA_PROBE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ProbeTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ollama.ProbeTimeout },
	},
	{
		key: "generation.temperature", typ: kFloat, env: "LACC_GENERATION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Generation.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.Temperature },
	},
	{
		key: "generation.top_p", typ: kFloat, env: "LACC_GENERATION_TOP_P",
		apply:   func(cfg *Config, v any) { cfg.Generation.TopP = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.TopP },
	},
	{
		key: "generation.timeout", typ: kDuration, env: "LACC_GENERATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Generation.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.Timeout },
	},
	{
		key: "generation.num_predict", typ: kInt, env: "LACC_GENERATION_NUM_PREDICT",
		apply:   func(cfg *Config, v any) { cfg.Generation.NumPredict = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.NumPredict },
	},
	{
		key: "editor.column_unit", typ: kString, env: "LACC_EDITOR_COLUMN_UNIT",
		apply:   func(cfg *Config, v any) { cfg.Editor.ColumnUnit = v.(string) },
		extract: func(cfg Config) any { return cfg.Editor.ColumnUnit },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LACC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "LACC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts a raw string into the key's typed value.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return splitList(raw), nil
	default:
		return raw, nil
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		v, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (v == "" && s.typ != kString) {
			continue
		}
		pv, err := s.parse(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
			continue
		}
		s.apply(cfg, pv)
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
