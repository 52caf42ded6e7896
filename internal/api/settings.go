package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/kalambet/nudge/internal/settings"
)

// patchableSettings maps PATCH /settings fields to user_settings keys.
var patchableSettings = map[string]string{
	"notifications_enabled":        settings.KeyNotificationsEnabled,
	"personalized":                 settings.KeyPersonalized,
	"permission_granted":           settings.KeyPermissionGranted,
	"system_notifications_enabled": settings.KeySystemEnabled,
	"blocked_channels":             settings.KeyBlockedChannels,
	"api_key":                      settings.KeyAPIKey,
}

type SessionRequest struct {
	UserID string `json:"user_id"`
}

type DeviceRequest struct {
	Token string `json:"token"`
}

func handleGetSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Settings.Get()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get settings: %v", err)
			return
		}
		writeJSON(w, settingsResponse(s))
	}
}

func handlePatchSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]json.RawMessage
		if !decodeBody(w, r, &fields) {
			return
		}

		names := make([]string, 0, len(fields))
		for name := range fields {
			if _, ok := patchableSettings[name]; !ok {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown setting %q", name)
				return
			}
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			value, err := settingValue(name, fields[name])
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid value for %q: %v", name, err)
				return
			}
			key := patchableSettings[name]
			if s, ok := value.(string); ok && s == "" {
				err = deps.Settings.Delete(key)
			} else {
				err = deps.Settings.Set(key, value)
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to set %q: %v", name, err)
				return
			}
		}

		s, err := deps.Settings.Get()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get settings: %v", err)
			return
		}
		writeJSON(w, settingsResponse(s))
	}
}

func settingValue(name string, raw json.RawMessage) (any, error) {
	switch name {
	case "blocked_channels":
		var v []string
		err := json.Unmarshal(raw, &v)
		return v, err
	case "api_key":
		var v string
		err := json.Unmarshal(raw, &v)
		return v, err
	default:
		var v bool
		err := json.Unmarshal(raw, &v)
		return v, err
	}
}

func handleSignIn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SessionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		if err := deps.Settings.SignIn(req.UserID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to sign in: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "signed_in"})
	}
}

func handleSignOut(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Settings.SignOut(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to sign out: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "signed_out"})
	}
}

func handleRegisterDevice(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DeviceRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := deps.Settings.RegisterDevice(req.Token); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to register device: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "registered"})
	}
}

// SettingsResponse is the settings view returned to clients. The API key is
// never echoed back.
type SettingsResponse struct {
	settings.Settings
	HasAPIKey bool `json:"has_api_key"`
}

func settingsResponse(s settings.Settings) SettingsResponse {
	return SettingsResponse{Settings: s, HasAPIKey: s.HasAPIKey()}
}
