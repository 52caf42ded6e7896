package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "nudge-data"
		}
	}
	return filepath.Join(dir, "nudge")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "nudge", "config.json")
}

// fileBackend keeps config in a JSON file with one object per section:
//
//	{"server": {"port": 4300}, "llm": {"provider": "anthropic"}}
//
// Keys are addressed as "section.name". Secret keys never stay in the file:
// one found there is moved into the secrets store on load.
type fileBackend struct {
	path    string
	data    map[string]map[string]any
	secrets SecretStore
}

func newPlatformBackend() ConfigBackend {
	return openFileBackend(configFilePath(), FileSecrets{})
}

func openFileBackend(path string, secrets SecretStore) *fileBackend {
	b := &fileBackend{path: path, data: map[string]map[string]any{}, secrets: secrets}
	b.load()
	return b
}

func splitKey(key string) (section, name string) {
	section, name, ok := strings.Cut(key, ".")
	if !ok {
		return "", key
	}
	return section, name
}

func (b *fileBackend) load() {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	if err := json.Unmarshal(raw, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
		b.data = map[string]map[string]any{}
		return
	}
	if b.data == nil {
		b.data = map[string]map[string]any{}
	}
	b.moveSecrets()
}

// moveSecrets transfers secret keys written into the config file by hand to
// the secrets store and rewrites the file without them.
func (b *fileBackend) moveSecrets() {
	if b.secrets == nil {
		return
	}
	moved := false
	for _, s := range specs {
		if !s.secret {
			continue
		}
		v, ok := b.value(s.key)
		if !ok {
			continue
		}
		if str := fmt.Sprint(v); str != "" {
			if err := b.secrets.Set(secretService, secretAccount(s.key), str); err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not move %s out of %s: %v\n", s.key, b.path, err)
				continue
			}
		}
		b.remove(s.key)
		moved = true
		fmt.Fprintf(os.Stderr, "[WARN] %s found in %s; moved to the secrets file\n", s.key, b.path)
	}
	if moved {
		if err := b.save(); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not rewrite config file %s: %v\n", b.path, err)
		}
	}
}

func (b *fileBackend) value(key string) (any, bool) {
	section, name := splitKey(key)
	v, ok := b.data[section][name]
	return v, ok
}

func (b *fileBackend) set(key string, v any) {
	section, name := splitKey(key)
	if b.data[section] == nil {
		b.data[section] = map[string]any{}
	}
	b.data[section][name] = v
}

func (b *fileBackend) remove(key string) {
	section, name := splitKey(key)
	delete(b.data[section], name)
	if len(b.data[section]) == 0 {
		delete(b.data, section)
	}
}

// save writes through a temp file so a crash never leaves a truncated config.
func (b *fileBackend) save() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	out, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), b.path)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.value(key)
	if !ok {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.value(key)
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer or is out of range", val, key)
		}
		return int(val), true, nil
	case int:
		return val, true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type for %s", key)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	b.set(key, val)
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.set(key, val)
	return b.save()
}

func (b *fileBackend) Delete(key string) error {
	b.remove(key)
	return b.save()
}
