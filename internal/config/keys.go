package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
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
		key: "server.port", typ: kInt, env: "NUDGE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "NUDGE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "llm.provider", typ: kString, env: "NUDGE_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.api_key", typ: kString, env: "NUDGE_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.model", typ: kString, env: "NUDGE_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.base_url", typ: kString, env: "NUDGE_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "preflight.timeout", typ: kString, env: "NUDGE_PREFLIGHT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Preflight.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Preflight.Timeout },
	},
	{
		key: "alarm.exact_allowed", typ: kBool, env: "NUDGE_ALARM_EXACT_ALLOWED",
		apply:   func(cfg *Config, v any) { cfg.Alarm.ExactAllowed = v.(bool) },
		extract: func(cfg Config) any { return cfg.Alarm.ExactAllowed },
	},
	{
		key: "alarm.inexact_window", typ: kString, env: "NUDGE_ALARM_INEXACT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Alarm.InexactWindow = v.(string) },
		extract: func(cfg Config) any { return cfg.Alarm.InexactWindow },
	},
	{
		key: "jobs.concurrency", typ: kInt, env: "NUDGE_JOBS_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Jobs.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.Concurrency },
	},
	{
		key: "jobs.poll_interval", typ: kString, env: "NUDGE_JOBS_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Jobs.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Jobs.PollInterval },
	},
	{
		key: "chat.sweep_schedule", typ: kString, env: "NUDGE_CHAT_SWEEP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Chat.SweepSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.SweepSchedule },
	},
	{
		key: "chat.seen_grace", typ: kString, env: "NUDGE_CHAT_SEEN_GRACE",
		apply:   func(cfg *Config, v any) { cfg.Chat.SeenGrace = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.SeenGrace },
	},
	{
		key: "fcm.credentials_file", typ: kString, env: "NUDGE_FCM_CREDENTIALS_FILE",
		apply:   func(cfg *Config, v any) { cfg.FCM.CredentialsFile = v.(string) },
		extract: func(cfg Config) any { return cfg.FCM.CredentialsFile },
	},
	{
		key: "fcm.project_id", typ: kString, env: "NUDGE_FCM_PROJECT_ID",
		apply:   func(cfg *Config, v any) { cfg.FCM.ProjectID = v.(string) },
		extract: func(cfg Config) any { return cfg.FCM.ProjectID },
	},
	{
		key: "log.level", typ: kString, env: "NUDGE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
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
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
