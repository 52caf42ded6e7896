package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const secretService = "nudge"

const apiTokenAccount = "api_token"

// secretAccount is the secrets-file account holding config key key.
func secretAccount(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

// ErrSecretNotFound is returned when the requested secret is not stored.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore reads and writes secrets grouped by service.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// FileSecrets keeps secrets in a 0600 JSON file. An empty Path means
// $XDG_DATA_HOME/nudge/secrets.json.
type FileSecrets struct {
	Path string
}

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "nudge", "secrets.json")
}

func (f FileSecrets) path() string {
	if f.Path != "" {
		return f.Path
	}
	return secretsFilePath()
}

func (f FileSecrets) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if secrets == nil {
		secrets = map[string]map[string]string{}
	}
	return secrets, nil
}

func (f FileSecrets) Get(service, account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", service, account, ErrSecretNotFound)
	}
	return val, nil
}

func (f FileSecrets) Set(service, account, value string) error {
	secrets, err := f.read()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	p := f.path()
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, out, 0o600)
}

// GetAPIToken returns the bearer token guarding the local HTTP API.
// NUDGE_API_TOKEN wins; otherwise the stored token is used, and on first
// run a random one is generated and persisted.
func GetAPIToken(secrets SecretStore) (string, error) {
	if tok := os.Getenv("NUDGE_API_TOKEN"); tok != "" {
		return tok, nil
	}
	tok, err := secrets.Get(secretService, apiTokenAccount)
	if err == nil && tok != "" {
		return tok, nil
	}
	if err != nil && !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}
	tok = uuid.NewString()
	if err := secrets.Set(secretService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}
