// Package jobs is the durable background job framework: unique named work
// with replace semantics, capped retries with exponential backoff, and a
// polling runner dispatching to registered handlers.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kalambet/nudge/internal/storage"
)

// Outcome is how a handler run ended.
type Outcome int

const (
	// Success completes the job.
	Success Outcome = iota
	// Retry re-delivers the job after backoff until max attempts is reached.
	Retry
	// Failure ends the job without retries.
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is returned by a Handler.
type Result struct {
	Outcome Outcome
	Err     error
}

func Done() Result                { return Result{Outcome: Success} }
func RetryLater(err error) Result { return Result{Outcome: Retry, Err: err} }
func Fail(err error) Result       { return Result{Outcome: Failure, Err: err} }

// Job is a claimed unit of work as seen by a handler.
type Job struct {
	ID       string
	Type     string
	WorkName string
	Payload  string
	// Attempt is 1 on the first run.
	Attempt     int
	MaxAttempts int
}

func fromStorage(j *storage.Job) Job {
	return Job{
		ID:          j.ID,
		Type:        j.Type,
		WorkName:    j.WorkName,
		Payload:     j.PayloadJSON,
		Attempt:     j.Attempts + 1,
		MaxAttempts: j.MaxAttempts,
	}
}

// LastAttempt reports whether a Retry result would exhaust the job.
func (j Job) LastAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// Decode unmarshals the JSON payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal([]byte(j.Payload), v); err != nil {
		return fmt.Errorf("parsing payload of job %s: %w", j.ID, err)
	}
	return nil
}

// Handler processes jobs of one type.
type Handler interface {
	Handle(ctx context.Context, job Job) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) Result

func (f HandlerFunc) Handle(ctx context.Context, job Job) Result { return f(ctx, job) }
