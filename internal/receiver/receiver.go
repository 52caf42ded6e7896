// Package receiver turns fired alarms into check-in jobs.
package receiver

import (
	"context"
	"log/slog"

	"github.com/kalambet/nudge/internal/alarm"
	"github.com/kalambet/nudge/internal/jobs"
	"github.com/kalambet/nudge/internal/schedule"
	"github.com/kalambet/nudge/internal/scheduler"
)

// Enqueuer is the part of the job queue the receiver uses.
type Enqueuer interface {
	Enqueue(spec jobs.Spec) (string, error)
}

// Receiver enqueues one check-in job per fired alarm under the alarm's work
// name. It does no other I/O and never fails the alarm loop.
type Receiver struct {
	queue  Enqueuer
	logger *slog.Logger
}

// New creates a Receiver.
func New(queue Enqueuer, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{queue: queue, logger: logger}
}

// OnAlarm implements alarm.Receiver. The payload is passed on unchanged.
func (r *Receiver) OnAlarm(_ context.Context, a alarm.Alarm) {
	dayIndex := 0
	if p, err := schedule.DecodeReschedule(a.Payload); err == nil {
		dayIndex = p.DayIndex
	} else {
		r.logger.Warn("alarm payload unreadable, forwarding as is", "request_code", a.RequestCode, "error", err)
	}

	spec := jobs.Spec{
		Type:    scheduler.CheckinJob,
		Payload: a.Payload,
	}
	if a.RuleID != "" {
		spec.WorkName = schedule.WorkName(a.RuleID, dayIndex)
	}

	id, err := r.queue.Enqueue(spec)
	if err != nil {
		r.logger.Error("enqueueing check-in", "rule_id", a.RuleID, "request_code", a.RequestCode, "error", err)
		return
	}
	r.logger.Debug("check-in enqueued", "rule_id", a.RuleID, "job_id", id, "work_name", spec.WorkName)
}
