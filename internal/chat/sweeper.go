package chat

import (
	"fmt"
	"log/slog"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/kalambet/nudge/internal/jobs"
	"github.com/kalambet/nudge/internal/storage"
)

// DefaultSweepSchedule is the cron spec of the periodic sweep.
const DefaultSweepSchedule = "@every 15m"

// SweepStore lists the messages that still need background work.
type SweepStore interface {
	ListUnfinishedAssistantMessages() ([]storage.Message, error)
}

// SweepQueue is the part of the job queue the sweeper uses.
type SweepQueue interface {
	Enqueue(spec jobs.Spec) (string, error)
	HasPendingWork(names ...string) (bool, error)
}

// Sweeper periodically enqueues reply jobs for assistant messages left
// pending or completed without a notification, such as after a restart or
// a failed display.
type Sweeper struct {
	scheduler *robfigcron.Cron
	store     SweepStore
	queue     SweepQueue
	logger    *slog.Logger
}

// NewSweeper creates a Sweeper running on the given cron spec.
func NewSweeper(store SweepStore, queue SweepQueue, spec string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	s := &Sweeper{
		scheduler: robfigcron.New(),
		store:     store,
		queue:     queue,
		logger:    logger,
	}
	if _, err := s.scheduler.AddFunc(spec, func() {
		if _, err := s.Sweep(); err != nil {
			s.logger.Error("chat sweep failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins the cron scheduler.
func (s *Sweeper) Start() {
	s.scheduler.Start()
}

// Stop stops the cron scheduler and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.scheduler.Stop().Done()
}

// Sweep enqueues a job for every unfinished or unnotified reply that has no
// work queued or running. It returns the number of jobs enqueued.
func (s *Sweeper) Sweep() (int, error) {
	msgs, err := s.store.ListUnfinishedAssistantMessages()
	if err != nil {
		return 0, fmt.Errorf("listing unfinished messages: %w", err)
	}

	enqueued := 0
	for _, m := range msgs {
		busy, err := s.queue.HasPendingWork(WorkName(m.ID))
		if err != nil {
			s.logger.Warn("checking reply work", "message_id", m.ID, "error", err)
			continue
		}
		if busy {
			continue
		}
		if _, err := s.queue.Enqueue(ReplySpec(m)); err != nil {
			s.logger.Error("enqueueing reply job", "message_id", m.ID, "error", err)
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		s.logger.Info("chat sweep enqueued replies", "count", enqueued)
	}
	return enqueued, nil
}
