// Package scheduler turns schedule rules into registered alarms. Each rule
// owns at most one outstanding wake-up per alarm slot: an exact alarm when
// permitted, an inexact one otherwise, and a delayed job as the last resort.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/nudge/internal/alarm"
	"github.com/kalambet/nudge/internal/jobs"
	"github.com/kalambet/nudge/internal/schedule"
	"github.com/kalambet/nudge/internal/storage"
)

// CheckinJob is the job type that generates and displays a check-in.
const CheckinJob = "checkin"

// Alarms is the alarm facility.
type Alarms interface {
	CanScheduleExact() bool
	SetExact(a alarm.Alarm) error
	SetInexactAllowWhileIdle(a alarm.Alarm) error
	Cancel(code int32) (bool, error)
	Get(code int32) (alarm.Alarm, error)
}

// Work is the background job queue.
type Work interface {
	Enqueue(spec jobs.Spec) (string, error)
	CancelWork(names ...string) (int64, error)
	HasPendingWork(names ...string) (bool, error)
}

// RuleSource lists the rules to re-arm at start-up.
type RuleSource interface {
	ListEnabledRules() ([]schedule.Rule, error)
}

// Scheduler registers and cancels the wake-ups of rules.
type Scheduler struct {
	alarms Alarms
	work   Work
	rules  RuleSource
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Scheduler. now defaults to time.Now.
func New(alarms Alarms, work Work, rules RuleSource, now func() time.Time, logger *slog.Logger) *Scheduler {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{alarms: alarms, work: work, rules: rules, now: now, logger: logger}
}

// Schedule cancels whatever the rule has registered and arms its next
// occurrence. Disabled rules and one-time rules in the past are left
// unscheduled without error.
func (s *Scheduler) Schedule(ctx context.Context, rule schedule.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := s.Cancel(ctx, rule.ID); err != nil {
		return err
	}
	if !rule.Enabled {
		s.logger.Debug("rule disabled, not scheduling", "rule_id", rule.ID)
		return nil
	}

	now := s.now()
	if w, ok := rule.Type.(schedule.Weekly); ok {
		triggers := schedule.WeeklyTriggers(w, now)
		if len(triggers) == 0 {
			return fmt.Errorf("rule %s: weekly rule has no days selected", rule.ID)
		}
		for i, tr := range triggers {
			if err := s.register(rule.ID, i, tr.At, schedule.RescheduleFor(rule, tr.Weekday, i)); err != nil {
				return err
			}
		}
		return nil
	}

	at, ok, err := schedule.NextTrigger(rule.Type, now)
	if err != nil {
		return fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	if !ok {
		s.logger.Info("one-time rule is in the past, not scheduling", "rule_id", rule.ID)
		return nil
	}
	return s.register(rule.ID, 0, at, schedule.RescheduleFor(rule, 0, 0))
}

// Reschedule arms the occurrence following a firing. Payloads that do not
// recur are a no-op.
func (s *Scheduler) Reschedule(ctx context.Context, r schedule.Reschedule) error {
	if r.RuleID == "" {
		return fmt.Errorf("reschedule without rule id")
	}
	next, ok, err := r.Next(s.now())
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.RuleID, err)
	}
	if !ok {
		return nil
	}
	return s.register(r.RuleID, r.DayIndex, next, r)
}

// Cancel removes every alarm slot of the rule and its queued jobs. Jobs
// already running finish on their own.
func (s *Scheduler) Cancel(ctx context.Context, ruleID string) error {
	var errs []error
	for _, code := range schedule.AllRequestCodes(ruleID) {
		if _, err := s.alarms.Cancel(code); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := s.work.CancelWork(schedule.AllWorkNames(ruleID)...); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("cancelling rule %s: %w", ruleID, err)
	}
	return nil
}

// Restore re-arms every enabled rule that has neither an alarm nor queued
// work, as after a restart that lost them. It returns how many were armed.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	rules, err := s.rules.ListEnabledRules()
	if err != nil {
		return 0, fmt.Errorf("listing enabled rules: %w", err)
	}

	armed := 0
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return armed, err
		}
		live, err := s.armed(rule.ID)
		if err != nil {
			s.logger.Warn("checking rule state", "rule_id", rule.ID, "error", err)
			continue
		}
		if live {
			continue
		}
		if err := s.Schedule(ctx, rule); err != nil {
			s.logger.Error("restoring rule", "rule_id", rule.ID, "error", err)
			continue
		}
		armed++
	}
	if armed > 0 {
		s.logger.Info("rules restored", "count", armed)
	}
	return armed, nil
}

func (s *Scheduler) armed(ruleID string) (bool, error) {
	for _, code := range schedule.AllRequestCodes(ruleID) {
		_, err := s.alarms.Get(code)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return false, err
		}
	}
	return s.work.HasPendingWork(schedule.AllWorkNames(ruleID)...)
}

// register arms one alarm slot, falling back from exact to inexact to a
// delayed job.
func (s *Scheduler) register(ruleID string, dayIndex int, at time.Time, payload schedule.Reschedule) error {
	a := alarm.Alarm{
		RequestCode: schedule.RuleRequestCode(ruleID, dayIndex),
		RuleID:      ruleID,
		TriggerAt:   at,
		Payload:     payload.Encode(),
	}
	workName := schedule.WorkName(ruleID, dayIndex)
	log := s.logger.With("rule_id", ruleID, "day_index", dayIndex, "trigger_at", at)

	if s.alarms.CanScheduleExact() {
		err := s.alarms.SetExact(a)
		if err == nil {
			log.Info("exact alarm registered")
			return s.dropFallback(workName)
		}
		log.Warn("exact alarm refused, trying inexact", "error", err)
	}

	err := s.alarms.SetInexactAllowWhileIdle(a)
	if err == nil {
		log.Info("inexact alarm registered")
		return s.dropFallback(workName)
	}
	log.Warn("inexact alarm failed, enqueueing delayed job", "error", err)

	if _, err := s.alarms.Cancel(a.RequestCode); err != nil {
		log.Warn("clearing stale alarm", "error", err)
	}
	if _, err := s.work.Enqueue(jobs.Spec{
		Type:     CheckinJob,
		WorkName: workName,
		Payload:  payload.Encode(),
		RunAfter: at,
	}); err != nil {
		return fmt.Errorf("rule %s: scheduling fallback job: %w", ruleID, err)
	}
	log.Info("delayed job enqueued", "work_name", workName)
	return nil
}

// dropFallback removes a queued fallback job once an alarm owns the slot.
func (s *Scheduler) dropFallback(workName string) error {
	if _, err := s.work.CancelWork(workName); err != nil {
		return fmt.Errorf("clearing fallback job %s: %w", workName, err)
	}
	return nil
}
