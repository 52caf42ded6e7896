package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/nudge/internal/storage"
)

// ErrAwaitTimeout is returned by Await when the job does not finish within
// the polling budget.
var ErrAwaitTimeout = errors.New("timed out waiting for job")

const (
	DefaultAwaitInterval = 5 * time.Second
	DefaultAwaitAttempts = 180
)

// QueueStore is the persistence used by Queue.
type QueueStore interface {
	EnqueueJob(job storage.Job) error
	GetJob(id string) (storage.Job, error)
	CancelJobsByWorkName(names ...string) (int64, error)
	HasPendingWork(names ...string) (bool, error)
}

// Spec describes a job to enqueue.
type Spec struct {
	Type string
	// WorkName makes the job unique: enqueueing replaces a pending job with
	// the same name.
	WorkName string
	// Payload is marshalled to JSON unless it is already a string.
	Payload     any
	RunAfter    time.Time
	MaxAttempts int
}

// Queue enqueues, cancels and awaits jobs.
type Queue struct {
	store         QueueStore
	logger        *slog.Logger
	awaitInterval time.Duration
	awaitAttempts int
}

// NewQueue creates a Queue with the default await policy.
func NewQueue(store QueueStore, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:         store,
		logger:        logger,
		awaitInterval: DefaultAwaitInterval,
		awaitAttempts: DefaultAwaitAttempts,
	}
}

// SetAwaitPolicy overrides the Await polling interval and attempt cap.
func (q *Queue) SetAwaitPolicy(interval time.Duration, attempts int) {
	q.awaitInterval = interval
	q.awaitAttempts = attempts
}

// Enqueue stores the job and returns its id.
func (q *Queue) Enqueue(spec Spec) (string, error) {
	var payload string
	switch p := spec.Payload.(type) {
	case nil:
		payload = "{}"
	case string:
		payload = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("encoding %s payload: %w", spec.Type, err)
		}
		payload = string(b)
	}

	id := uuid.New().String()
	err := q.store.EnqueueJob(storage.Job{
		ID:          id,
		Type:        spec.Type,
		WorkName:    spec.WorkName,
		PayloadJSON: payload,
		RunAfter:    spec.RunAfter,
		MaxAttempts: spec.MaxAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("enqueueing %s job: %w", spec.Type, err)
	}
	q.logger.Debug("job enqueued", "job_id", id, "type", spec.Type, "work_name", spec.WorkName)
	return id, nil
}

// CancelWork cancels pending jobs with the given work names. Jobs already
// running are not interrupted.
func (q *Queue) CancelWork(names ...string) (int64, error) {
	n, err := q.store.CancelJobsByWorkName(names...)
	if err != nil {
		return 0, fmt.Errorf("cancelling work: %w", err)
	}
	return n, nil
}

// HasPendingWork reports whether any of the named works is pending or running.
func (q *Queue) HasPendingWork(names ...string) (bool, error) {
	return q.store.HasPendingWork(names...)
}

// Status returns the current state of a job.
func (q *Queue) Status(id string) (storage.Job, error) {
	return q.store.GetJob(id)
}

// Await polls the job until it completes, fails or is cancelled.
func (q *Queue) Await(ctx context.Context, id string) (storage.Job, error) {
	for attempt := 0; attempt < q.awaitAttempts; attempt++ {
		j, err := q.store.GetJob(id)
		if err != nil {
			return storage.Job{}, fmt.Errorf("polling job %s: %w", id, err)
		}
		switch j.Status {
		case storage.JobCompleted, storage.JobFailed, storage.JobCancelled:
			return j, nil
		}

		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-time.After(q.awaitInterval):
		}
	}
	return storage.Job{}, fmt.Errorf("job %s after %d polls: %w", id, q.awaitAttempts, ErrAwaitTimeout)
}
