package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Plazide/local-ai-code-completion/internal/document"
	"github.com/Plazide/local-ai-code-completion/internal/ollama"
)

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	Generation GenerationConfig
	Editor     EditorConfig
	Storage    StorageConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port        int
	Token       string
	CORSOrigins []string
}

type OllamaConfig struct {
	BaseURL        string
	Binary         string
	Model          string
	ReadyMarker    string
	MaxRestarts    int
	RestartBackoff time.Duration
	ProbeTimeout   time.Duration
}

type GenerationConfig struct {
	Temperature float64
	TopP        float64
	Timeout     time.Duration
	NumPredict  int
}

type EditorConfig struct {
	// ColumnUnit is how the editor counts columns: utf16, bytes or runes.
	ColumnUnit string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4123,
		},
		Ollama: OllamaConfig{
			BaseURL:        "http://localhost:11434",
			Binary:         "ollama",
			Model:          "codellama:7b-code",
			ReadyMarker:    "Listening on",
			RestartBackoff: time.Second,
			ProbeTimeout:   3 * time.Second,
		},
		Generation: GenerationConfig{
			Temperature: 0.1,
			TopP:        0.3,
			Timeout:     60 * time.Second,
		},
		Editor: EditorConfig{
			ColumnUnit: "utf16",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/lacc/config.json, then applies LACC_* environment
// overrides. The bridge token is a secret and only read from
// LACC_SERVER_TOKEN.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := ollama.ParseModelID(c.Ollama.Model); err != nil {
		return fmt.Errorf("invalid config ollama.model: %w", err)
	}
	if _, err := document.ParseUnit(c.Editor.ColumnUnit); err != nil {
		return fmt.Errorf("invalid config editor.column_unit: %w", err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid config log.level: %w", err)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config server.port: %d", c.Server.Port)
	}
	if c.Ollama.MaxRestarts < 0 {
		return fmt.Errorf("invalid config ollama.max_restarts: %d", c.Ollama.MaxRestarts)
	}
	if c.Generation.Timeout <= 0 {
		return fmt.Errorf("invalid config generation.timeout: %s", c.Generation.Timeout)
	}
	return nil
}

// ModelID returns the parsed completion model. Load has already validated it.
func (c Config) ModelID() ollama.ModelID {
	return ollama.MustParseModelID(c.Ollama.Model)
}

// ColumnUnit returns the parsed editor column unit, UTF16 if unset.
func (c Config) ColumnUnit() document.Unit {
	u, err := document.ParseUnit(c.Editor.ColumnUnit)
	if err != nil {
		return document.UTF16
	}
	return u
}

// SlogLevel returns the log level, Info if unset or unknown.
func (c Config) SlogLevel() slog.Level {
	l, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}
