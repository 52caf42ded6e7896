// Package api exposes rules, chat, journal and settings over HTTP and as MCP
// tools.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/nudge/internal/jobs"
	"github.com/kalambet/nudge/internal/schedule"
	"github.com/kalambet/nudge/internal/settings"
	"github.com/kalambet/nudge/internal/storage"
)

// RuleScheduler arms and disarms rules.
type RuleScheduler interface {
	Schedule(ctx context.Context, rule schedule.Rule) error
	Cancel(ctx context.Context, ruleID string) error
}

// JobQueue enqueues background jobs and reports their status.
type JobQueue interface {
	Enqueue(spec jobs.Spec) (string, error)
	Status(id string) (storage.Job, error)
}

type AppDeps struct {
	Store     *storage.Store
	Settings  *settings.Manager
	Scheduler RuleScheduler
	Queue     JobQueue
	Token     string
	Logger    *slog.Logger
}

// NewAppHandler returns the authenticated REST API. /health is open.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/rules", handleListRules(deps))
		r.Post("/rules", handleCreateRule(deps))
		r.Get("/rules/{id}", handleGetRule(deps))
		r.Put("/rules/{id}", handleUpdateRule(deps))
		r.Delete("/rules/{id}", handleDeleteRule(deps))
		r.Post("/rules/{id}/enable", handleSetRuleEnabled(deps, true))
		r.Post("/rules/{id}/disable", handleSetRuleEnabled(deps, false))
		r.Post("/rules/{id}/trigger", handleTriggerRule(deps))

		r.Get("/jobs/{id}", handleGetJob(deps))

		r.Get("/conversations/{id}/messages", handleListMessages(deps))
		r.Post("/conversations/{id}/messages", handleSendMessage(deps))
		r.Patch("/messages/{id}", handlePatchMessage(deps))

		r.Get("/journal", handleListJournal(deps))
		r.Post("/journal", handleAddJournal(deps))
		r.Get("/notifications", handleListNotifications(deps))

		r.Get("/settings", handleGetSettings(deps))
		r.Patch("/settings", handlePatchSettings(deps))
		r.Put("/session", handleSignIn(deps))
		r.Delete("/session", handleSignOut(deps))
		r.Put("/device", handleRegisterDevice(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := deps.Queue.Status(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, jobToJSON(j))
	}
}
