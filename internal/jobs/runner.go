package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/nudge/internal/storage"
)

// RunnerStore abstracts the job queue operations used by Runner.
type RunnerStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	AbandonJob(id string, errMsg string) error
	ReleaseJob(id string) error
}

// Runner processes jobs from the SQLite job queue.
type Runner struct {
	store       RunnerStore
	poll        time.Duration
	concurrency int
	logger      *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRunner creates a Runner. If pollInterval is <= 0, it defaults to 500ms;
// concurrency below 1 means a single loop.
func NewRunner(store RunnerStore, pollInterval time.Duration, concurrency int, logger *slog.Logger) *Runner {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:       store,
		poll:        pollInterval,
		concurrency: concurrency,
		logger:      logger,
		handlers:    make(map[string]Handler),
	}
}

// Register routes jobs of jobType to h.
func (r *Runner) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *Runner) types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *Runner) handler(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Run polls for jobs with the configured number of loops until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.concurrency; i++ {
		g.Go(func() error {
			r.loop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("runner iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	claimed, err := r.store.ClaimNextJob(r.types())
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if claimed == nil {
		return false, nil
	}

	job := fromStorage(claimed)
	h, ok := r.handler(job.Type)
	if !ok {
		if err := r.store.AbandonJob(job.ID, "no handler registered"); err != nil {
			return true, fmt.Errorf("abandoning job %s: %w", job.ID, err)
		}
		return true, nil
	}

	res := h.Handle(ctx, job)
	log := r.logger.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempt)

	// Cancellation is not a failure: the job goes back to pending untouched.
	if ctx.Err() != nil || errors.Is(res.Err, context.Canceled) {
		log.Info("job interrupted, releasing")
		if err := r.store.ReleaseJob(job.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return true, fmt.Errorf("releasing job %s: %w", job.ID, err)
		}
		return true, nil
	}

	switch res.Outcome {
	case Success:
		if err := r.store.CompleteJob(job.ID); err != nil {
			return true, fmt.Errorf("completing job %s: %w", job.ID, err)
		}
	case Retry:
		log.Warn("job will be retried", "error", res.Err, "max_attempts", job.MaxAttempts)
		if err := r.store.FailJob(job.ID, errString(res.Err)); err != nil {
			log.Error("failed to mark job for retry", "error", err)
		}
	default:
		log.Warn("job failed", "error", res.Err)
		if err := r.store.AbandonJob(job.ID, errString(res.Err)); err != nil {
			log.Error("failed to mark job as failed", "error", err)
		}
	}
	return true, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
