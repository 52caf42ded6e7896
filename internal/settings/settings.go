// Package settings gives cached, typed access to the user's session and
// notification toggles stored in the user_settings table.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/kalambet/nudge/internal/storage"
)

// Keys in the user_settings table.
const (
	KeyUserID               = "session.user_id"
	KeyNotificationsEnabled = "notifications.enabled"
	KeyPersonalized         = "notifications.personalized"
	KeyPermissionGranted    = "notifications.permission_granted"
	KeySystemEnabled        = "notifications.system_enabled"
	KeyBlockedChannels      = "notifications.blocked_channels"
	KeyDeviceToken          = "device.token"
	KeyAPIKey               = "llm.api_key"
)

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	SetSetting(key, value string) error
	DeleteSetting(key string) error
	GetAllSettings() (map[string]string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Settings is the typed view of user_settings.
type Settings struct {
	UserID               string   `json:"user_id"`
	NotificationsEnabled bool     `json:"notifications_enabled"`
	Personalized         bool     `json:"personalized"`
	PermissionGranted    bool     `json:"permission_granted"`
	SystemEnabled        bool     `json:"system_notifications_enabled"`
	BlockedChannels      []string `json:"blocked_channels"`
	DeviceToken          string   `json:"device_token,omitempty"`
	// APIKey is the user's own LLM key; it falls back to the configured one.
	APIKey string `json:"-"`
}

// HasSession reports whether a user is signed in.
func (s Settings) HasSession() bool { return s.UserID != "" }

// HasAPIKey reports whether an LLM credential is available.
func (s Settings) HasAPIKey() bool { return s.APIKey != "" }

// ChannelBlocked reports whether the user blocked the channel.
func (s Settings) ChannelBlocked(channel string) bool {
	return slices.Contains(s.BlockedChannels, channel)
}

// Manager caches Settings for a short TTL. Writes invalidate the cache.
type Manager struct {
	store         Store
	clock         Clock
	ttl           time.Duration
	defaultAPIKey string

	mu       sync.RWMutex
	cached   *Settings
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL. defaultAPIKey is
// used when the user has not stored a key of their own.
func NewManager(store Store, defaultAPIKey string) *Manager {
	return &Manager{
		store:         store,
		clock:         realClock{},
		ttl:           60 * time.Second,
		defaultAPIKey: defaultAPIKey,
	}
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, defaultAPIKey string, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store:         store,
		clock:         clock,
		ttl:           ttl,
		defaultAPIKey: defaultAPIKey,
	}
}

// Get returns the current settings, from cache when fresh.
func (m *Manager) Get() (Settings, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		s := copySettings(m.cached)
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return copySettings(m.cached), nil
	}

	keys, err := m.store.GetAllSettings()
	if err != nil {
		return Settings{}, fmt.Errorf("loading settings: %w", err)
	}

	s := build(keys, m.defaultAPIKey)
	m.cached = &s
	m.cachedAt = m.clock.Now()
	return copySettings(&s), nil
}

// Set persists one key and invalidates the cache. Non-string values are
// stored as JSON.
func (m *Manager) Set(key string, value any) error {
	var str string
	switch v := value.(type) {
	case string:
		str = v
	case bool:
		str = strconv.FormatBool(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshalling value for key %q: %w", key, err)
		}
		str = string(b)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetSetting(key, str); err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	m.cached = nil
	return nil
}

// Delete removes one key and invalidates the cache.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeleteSetting(key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	m.cached = nil
	return nil
}

// SignIn stores the session user id.
func (m *Manager) SignIn(userID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	return m.Set(KeyUserID, userID)
}

// SignOut clears the session and the device registration.
func (m *Manager) SignOut() error {
	if err := m.Delete(KeyUserID); err != nil {
		return err
	}
	return m.Delete(KeyDeviceToken)
}

// RegisterDevice stores the push token of the user's device.
func (m *Manager) RegisterDevice(token string) error {
	if token == "" {
		return m.Delete(KeyDeviceToken)
	}
	return m.Set(KeyDeviceToken, token)
}

func build(keys map[string]string, defaultAPIKey string) Settings {
	s := Settings{
		UserID:               keys[KeyUserID],
		NotificationsEnabled: boolKey(keys, KeyNotificationsEnabled, true),
		Personalized:         boolKey(keys, KeyPersonalized, true),
		PermissionGranted:    boolKey(keys, KeyPermissionGranted, true),
		SystemEnabled:        boolKey(keys, KeySystemEnabled, true),
		DeviceToken:          keys[KeyDeviceToken],
		APIKey:               keys[KeyAPIKey],
	}
	if s.APIKey == "" {
		s.APIKey = defaultAPIKey
	}
	if v, ok := keys[KeyBlockedChannels]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &s.BlockedChannels); err != nil {
			slog.Warn("malformed settings key, skipping", "key", KeyBlockedChannels, "error", err)
		}
	}
	return s
}

func boolKey(keys map[string]string, key string, def bool) bool {
	v, ok := keys[key]
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("malformed settings key, using default", "key", key, "value", v)
		return def
	}
	return b
}

func copySettings(s *Settings) Settings {
	if s == nil {
		return Settings{}
	}
	cp := *s
	if s.BlockedChannels != nil {
		cp.BlockedChannels = slices.Clone(s.BlockedChannels)
	}
	return cp
}
