// Package checkin generates and displays scheduled check-in notifications.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/nudge/internal/compose"
	"github.com/kalambet/nudge/internal/jobs"
	"github.com/kalambet/nudge/internal/llm"
	"github.com/kalambet/nudge/internal/notify"
	"github.com/kalambet/nudge/internal/schedule"
	"github.com/kalambet/nudge/internal/scheduler"
	"github.com/kalambet/nudge/internal/settings"
	"github.com/kalambet/nudge/internal/storage"
)

// Store is the persistence the worker reads and writes.
type Store interface {
	GetRule(id string) (schedule.Rule, error)
	RecentJournalEntries(limit int) ([]storage.JournalEntry, error)
	RecentSentNotifications(limit int) ([]storage.SentNotification, error)
	SaveSentNotification(n storage.SentNotification) error
}

// SettingsSource provides the current user settings.
type SettingsSource interface {
	Get() (settings.Settings, error)
}

// Preflight verifies the LLM host is reachable.
type Preflight interface {
	Check(ctx context.Context) error
}

// Displayer is the delivery layer.
type Displayer interface {
	Display(ctx context.Context, n notify.Notification) notify.Result
}

// Rescheduler arms the next occurrence of a rule.
type Rescheduler interface {
	Reschedule(ctx context.Context, r schedule.Reschedule) error
}

// CompleterFactory builds a model client for an API key.
type CompleterFactory func(apiKey string) (llm.Completer, error)

// ManualSpec is the job that shows a check-in for a rule right away without
// touching its schedule.
func ManualSpec(ruleID string) jobs.Spec {
	return jobs.Spec{
		Type:     scheduler.CheckinJob,
		WorkName: "manual_" + ruleID,
		Payload:  schedule.Reschedule{RuleID: ruleID, Kind: schedule.RescheduleNone}.Encode(),
	}
}

// Worker handles check-in jobs.
type Worker struct {
	store     Store
	settings  SettingsSource
	preflight Preflight
	models    CompleterFactory
	display   Displayer
	scheduler Rescheduler
	now       func() time.Time
	logger    *slog.Logger
}

// Deps groups the collaborators of a Worker.
type Deps struct {
	Store     Store
	Settings  SettingsSource
	Preflight Preflight
	Models    CompleterFactory
	Display   Displayer
	Scheduler Rescheduler
	Now       func() time.Time
	Logger    *slog.Logger
}

// NewWorker creates a Worker.
func NewWorker(d Deps) *Worker {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Worker{
		store:     d.Store,
		settings:  d.Settings,
		preflight: d.Preflight,
		models:    d.Models,
		display:   d.Display,
		scheduler: d.Scheduler,
		now:       d.Now,
		logger:    d.Logger,
	}
}

// Handle implements jobs.Handler.
func (w *Worker) Handle(ctx context.Context, job jobs.Job) jobs.Result {
	log := w.logger.With("job_id", job.ID, "attempt", job.Attempt)

	var payload schedule.Reschedule
	if err := job.Decode(&payload); err != nil {
		log.Error("check-in payload unreadable", "error", err)
		return jobs.Fail(err)
	}
	if payload.RuleID == "" {
		log.Error("check-in payload has no rule id")
		return jobs.Fail(fmt.Errorf("job %s: missing rule id", job.ID))
	}
	log = log.With("rule_id", payload.RuleID)

	rule, err := w.store.GetRule(payload.RuleID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("rule deleted, skipping check-in")
		return jobs.Done()
	}
	if err != nil {
		return jobs.RetryLater(fmt.Errorf("loading rule: %w", err))
	}
	if !rule.Enabled {
		log.Info("rule disabled, skipping check-in")
		return jobs.Done()
	}
	next, recurs := nextPayload(rule, payload)

	s, err := w.settings.Get()
	if err != nil {
		return jobs.RetryLater(err)
	}
	if !s.HasSession() || !s.NotificationsEnabled {
		log.Debug("no session or notifications off, nothing to send")
		w.reschedule(ctx, log, next, recurs)
		return jobs.Done()
	}
	if s.Personalized && !s.HasAPIKey() {
		log.Debug("personalised check-ins need an API key, nothing to send")
		w.reschedule(ctx, log, next, recurs)
		return jobs.Done()
	}

	now := w.now()
	content, res := w.content(ctx, log, job, rule, s, now)
	if res != nil {
		if res.Outcome == jobs.Failure {
			// Retries exhausted on a transient failure: keep the rule armed.
			w.reschedule(ctx, log, next, recurs)
		}
		return *res
	}

	shown := w.display.Display(ctx, notify.Notification{
		ID:      notify.IDForRule(rule.ID),
		Channel: notify.ChannelCheckin,
		Title:   content.Title,
		Body:    content.Body,
		Data:    map[string]string{"target": "journal", "rule_id": rule.ID},
	})
	if shown.OK() {
		rec := storage.SentNotification{
			ID:             uuid.New().String(),
			UserID:         s.UserID,
			RuleID:         rule.ID,
			Title:          content.Title,
			Body:           content.Body,
			TopicReference: content.TopicReference,
			TimeOfDay:      string(compose.BucketOf(now)),
			SentAt:         now,
		}
		if err := w.store.SaveSentNotification(rec); err != nil {
			log.Error("recording sent notification", "error", err)
		}
	} else {
		log.Warn("check-in not displayed", "result", shown.String())
	}

	w.reschedule(ctx, log, next, recurs)
	return jobs.Done()
}

// content decides what to show. A non-nil Result ends the run without
// displaying anything.
func (w *Worker) content(ctx context.Context, log *slog.Logger, job jobs.Job, rule schedule.Rule, s settings.Settings, now time.Time) (compose.Notification, *jobs.Result) {
	static := compose.Static(now, rule.Label)
	if !s.Personalized {
		return static, nil
	}

	if err := w.preflight.Check(ctx); err != nil {
		return compose.Notification{}, w.transient(log, job, fmt.Errorf("preflight: %w", err))
	}

	model, err := w.models(s.APIKey)
	if err != nil {
		log.Warn("no model client, using static check-in", "error", err)
		return static, nil
	}

	entries, err := w.store.RecentJournalEntries(compose.JournalContextSize)
	if err != nil {
		log.Warn("loading journal context", "error", err)
	}
	history, err := w.store.RecentSentNotifications(compose.HistoryContextSize)
	if err != nil {
		log.Warn("loading notification history", "error", err)
	}

	reply, err := model.Complete(ctx, compose.CheckinPrompt(compose.CheckinInput{
		RuleLabel: rule.Label,
		Now:       now,
		Entries:   entries,
		History:   history,
	}))
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		r := jobs.RetryLater(err)
		return compose.Notification{}, &r
	case llm.IsTransient(err):
		return compose.Notification{}, w.transient(log, job, err)
	default:
		log.Warn("model call failed, using static check-in", "error", err, "kind", llm.KindOf(err))
		return static, nil
	}

	n, ok := compose.ParseNotification(reply)
	if !ok {
		log.Warn("model reply not usable, using static check-in")
		return static, nil
	}
	return n, nil
}

func (w *Worker) transient(log *slog.Logger, job jobs.Job, err error) *jobs.Result {
	if job.LastAttempt() {
		log.Warn("check-in abandoned after transient failures", "error", err)
		r := jobs.Fail(err)
		return &r
	}
	log.Info("transient failure, retrying check-in", "error", err)
	r := jobs.RetryLater(err)
	return &r
}

// reschedule re-reads the rule first: it may have been disabled or deleted
// while the check-in was being generated, and its alarms already cancelled.
func (w *Worker) reschedule(ctx context.Context, log *slog.Logger, next schedule.Reschedule, recurs bool) {
	if !recurs {
		return
	}
	rule, err := w.store.GetRule(next.RuleID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Info("rule deleted during check-in, not rescheduling")
		return
	case err != nil:
		log.Warn("reloading rule before reschedule", "error", err)
	case !rule.Enabled:
		log.Info("rule disabled during check-in, not rescheduling")
		return
	}
	if err := w.scheduler.Reschedule(ctx, next); err != nil {
		log.Error("rescheduling rule", "error", err)
	}
}

// nextPayload rebuilds the reschedule payload from the stored rule so an
// edit made while the job was queued is not overwritten. A weekly slot whose
// day was removed is not re-armed, and neither is a manual trigger.
func nextPayload(rule schedule.Rule, fired schedule.Reschedule) (schedule.Reschedule, bool) {
	if !rule.Recurring() || fired.Kind == schedule.RescheduleNone || fired.Kind == "" {
		return schedule.Reschedule{}, false
	}
	day := time.Weekday(fired.Weekday)
	if w, ok := rule.Type.(schedule.Weekly); ok {
		if fired.Kind != schedule.RescheduleWeekly || !w.Days.Has(day) {
			return schedule.Reschedule{}, false
		}
	}
	return schedule.RescheduleFor(rule, day, fired.DayIndex), true
}
