package storage

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

const jobColumns = `id, type, work_name, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

// EnqueueJob inserts a pending job. When job.WorkName is set, any pending job
// with the same work name is cancelled in the same transaction, so a second
// enqueue supersedes rather than duplicates.
func (s *Store) EnqueueJob(job Job) error {
	now := formatTime(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	payload := job.PayloadJSON
	if payload == "" {
		payload = "{}"
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	if job.WorkName != "" {
		if _, err := tx.Exec(`UPDATE jobs SET status = 'cancelled', last_error = 'replaced', updated_at = ?
			WHERE work_name = ? AND status = 'pending'`, now, job.WorkName); err != nil {
			return fmt.Errorf("replacing pending work %s: %w", job.WorkName, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO jobs (id, type, work_name, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.WorkName, payload, maxAttempts, runAfter, now, now,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	j, err := scanJob(tx.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobRunning
	if j.UpdatedAt, err = parseTime(now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// FailJob records a retryable failure: attempts is incremented and the job
// goes back to pending with 2^attempts seconds of backoff, or to failed once
// max_attempts is reached.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(runAfter), formatTime(now), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

// AbandonJob marks a job failed without further retries.
func (s *Store) AbandonJob(id string, errMsg string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		errMsg, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ReleaseJob returns a running job to pending without counting an attempt.
// Used when the runner is stopped while a handler is in flight.
func (s *Store) ReleaseJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', updated_at = ? WHERE id = ? AND status = 'running'`,
		formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ResetRunningJobs moves jobs left running by a previous process back to
// pending. It returns the number of jobs reset.
func (s *Store) ResetRunningJobs() (int64, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', updated_at = ? WHERE status = 'running'`, formatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CancelJobsByWorkName cancels pending jobs with any of the given work
// names. Running jobs are left alone.
func (s *Store) CancelJobsByWorkName(names ...string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat(",?", len(names)-1)
	args := make([]interface{}, 0, len(names)+1)
	args = append(args, formatTime(time.Now()))
	for _, n := range names {
		args = append(args, n)
	}
	res, err := s.db.Exec(`UPDATE jobs SET status = 'cancelled', last_error = 'cancelled', updated_at = ?
		WHERE status = 'pending' AND work_name IN (?`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HasPendingWork reports whether any job with one of the given work names is
// pending or running.
func (s *Store) HasPendingWork(names ...string) (bool, error) {
	if len(names) == 0 {
		return false, nil
	}
	placeholders := strings.Repeat(",?", len(names)-1)
	args := make([]interface{}, 0, len(names))
	for _, n := range names {
		args = append(args, n)
	}
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs
		WHERE status IN ('pending', 'running') AND work_name IN (?`+placeholders+`)`, args...).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) GetJob(id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ListJobsByWorkName returns every job ever enqueued under a work name,
// oldest first.
func (s *Store) ListJobsByWorkName(name string) ([]Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE work_name = ? ORDER BY created_at ASC, rowid ASC`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	if err := row.Scan(&j.ID, &j.Type, &j.WorkName, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	var err error
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}
