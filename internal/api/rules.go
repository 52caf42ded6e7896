package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/nudge/internal/checkin"
	"github.com/kalambet/nudge/internal/schedule"
	"github.com/kalambet/nudge/internal/storage"
)

func handleListRules(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := deps.Store.ListRules()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list rules: %v", err)
			return
		}
		out := make([]RuleJSON, 0, len(rules))
		for _, rule := range rules {
			out = append(out, RuleToJSON(rule))
		}
		writeJSON(w, out)
	}
}

func handleGetRule(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, ok := loadRule(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		writeJSON(w, RuleToJSON(rule))
	}
}

func handleCreateRule(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body RuleJSON
		if !decodeBody(w, r, &body) {
			return
		}
		rule, err := body.Rule()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if rule.ID == "" {
			rule.ID = uuid.New().String()
		}
		if err := rule.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Store.SaveRule(rule); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save rule: %v", err)
			return
		}
		scheduleAndRespond(w, r, deps, rule.ID)
	}
}

func handleUpdateRule(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		existing, ok := loadRule(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		var body RuleJSON
		if !decodeBody(w, r, &body) {
			return
		}
		rule, err := body.Rule()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		rule.ID = existing.ID
		if body.Enabled == nil {
			rule.Enabled = existing.Enabled
		}
		if err := rule.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Store.UpdateRule(rule); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update rule: %v", err)
			return
		}
		scheduleAndRespond(w, r, deps, rule.ID)
	}
}

func handleSetRuleEnabled(deps AppDeps, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Store.SetRuleEnabled(id, enabled)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "rule not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update rule: %v", err)
			return
		}
		scheduleAndRespond(w, r, deps, id)
	}
}

func handleDeleteRule(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Store.DeleteRule(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "rule not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete rule: %v", err)
			return
		}
		if err := deps.Scheduler.Cancel(r.Context(), id); err != nil {
			deps.Logger.Error("cancelling deleted rule", "rule_id", id, "error", err)
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleTriggerRule(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, ok := loadRule(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		jobID, err := deps.Queue.Enqueue(checkin.ManualSpec(rule.ID))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue check-in: %v", err)
			return
		}
		writeJSON(w, map[string]string{"job_id": jobID, "status": "queued"})
	}
}

// scheduleAndRespond re-arms (or disarms) the stored rule and writes it back.
// A scheduling failure does not undo the write; the next restore retries it.
func scheduleAndRespond(w http.ResponseWriter, r *http.Request, deps AppDeps, id string) {
	rule, ok := loadRule(w, deps, id)
	if !ok {
		return
	}
	if err := deps.Scheduler.Schedule(r.Context(), rule); err != nil {
		deps.Logger.Error("scheduling rule", "rule_id", id, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "rule saved but not scheduled: %v", err)
		return
	}
	writeJSON(w, RuleToJSON(rule))
}

func loadRule(w http.ResponseWriter, deps AppDeps, id string) (schedule.Rule, bool) {
	rule, err := deps.Store.GetRule(id)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "rule not found")
		return rule, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get rule: %v", err)
		return rule, false
	}
	return rule, true
}
