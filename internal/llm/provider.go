package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoAPIKey is returned by New when no credential is configured.
var ErrNoAPIKey = errors.New("no LLM API key configured")

// Config selects and configures a provider.
type Config struct {
	Provider   string // "anthropic" or "openai"
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
}

// New builds the configured provider.
func New(cfg Config) (Completer, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	switch strings.ToLower(cfg.Provider) {
	case "", "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxRetries), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// DefaultHost returns the API host a provider talks to, for DNS preflight.
func DefaultHost(cfg Config) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	if strings.EqualFold(cfg.Provider, "openai") {
		return "api.openai.com"
	}
	return "api.anthropic.com"
}
