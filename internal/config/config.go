package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Preflight PreflightConfig
	Alarm     AlarmConfig
	Jobs      JobsConfig
	Chat      ChatConfig
	FCM       FCMConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LLMConfig struct {
	Provider string
	// APIKey is the fallback key used when the user has not stored their own.
	APIKey  string
	Model   string
	BaseURL string
}

type PreflightConfig struct {
	Timeout string
}

type AlarmConfig struct {
	ExactAllowed  bool
	InexactWindow string
}

type JobsConfig struct {
	Concurrency  int
	PollInterval string
}

type ChatConfig struct {
	SweepSchedule string
	SeenGrace     string
}

// FCMConfig enables push delivery when ProjectID is set. Without it
// notifications are written to the log.
type FCMConfig struct {
	CredentialsFile string
	ProjectID       string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server:    ServerConfig{Port: 4100},
		Storage:   StorageConfig{DataDir: defaultDataDir()},
		LLM:       LLMConfig{Provider: "anthropic"},
		Preflight: PreflightConfig{Timeout: "5s"},
		Alarm:     AlarmConfig{ExactAllowed: true, InexactWindow: "10m"},
		Jobs:      JobsConfig{Concurrency: 2, PollInterval: "500ms"},
		Chat:      ChatConfig{SweepSchedule: "@every 15m", SeenGrace: "10s"},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/nudge/config.json, then NUDGE_* environment variables,
// then the secrets file for secrets still unset.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), FileSecrets{})
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		if key, err := secrets.Get(secretService, secretAccount("llm.api_key")); err == nil && key != "" {
			cfg.LLM.APIKey = key
		}
	}

	if _, err := time.ParseDuration(cfg.Alarm.InexactWindow); err != nil {
		return Config{}, fmt.Errorf("invalid alarm.inexact_window %q: %w", cfg.Alarm.InexactWindow, err)
	}
	if cfg.Jobs.Concurrency < 1 {
		return Config{}, fmt.Errorf("jobs.concurrency must be at least 1, got %d", cfg.Jobs.Concurrency)
	}
	return cfg, nil
}

// Duration parses a duration setting, falling back to def when the value is
// empty or malformed.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse duration %q: %v. Using %s.\n", value, err, def)
		return def
	}
	return d
}

// LogLevel maps log.level to a slog level. Unknown names mean info.
func (c Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
