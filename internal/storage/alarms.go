package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const alarmColumns = `request_code, rule_id, trigger_at, exact, payload, created_at`

// UpsertAlarm registers an alarm, replacing any alarm with the same request code.
func (s *Store) UpsertAlarm(a Alarm) error {
	payload := a.Payload
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO alarms (`+alarmColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_code) DO UPDATE SET
			rule_id = excluded.rule_id, trigger_at = excluded.trigger_at, exact = excluded.exact,
			payload = excluded.payload, created_at = excluded.created_at`,
		a.RequestCode, a.RuleID, a.TriggerAt.UnixMilli(), a.Exact, payload, formatTime(time.Now()),
	)
	return err
}

func (s *Store) GetAlarm(code int32) (Alarm, error) {
	a, err := scanAlarm(s.db.QueryRow(`SELECT `+alarmColumns+` FROM alarms WHERE request_code = ?`, code))
	if err == sql.ErrNoRows {
		return Alarm{}, ErrNotFound
	}
	return a, err
}

// DeleteAlarm removes an alarm. It reports whether a row existed.
func (s *Store) DeleteAlarm(code int32) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM alarms WHERE request_code = ?`, code)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ListAlarms() ([]Alarm, error) {
	return s.queryAlarms(`SELECT ` + alarmColumns + ` FROM alarms ORDER BY trigger_at ASC`)
}

func (s *Store) ListAlarmsForRule(ruleID string) ([]Alarm, error) {
	return s.queryAlarms(`SELECT `+alarmColumns+` FROM alarms WHERE rule_id = ? ORDER BY trigger_at ASC`, ruleID)
}

// NextAlarm returns the alarm with the earliest trigger time.
func (s *Store) NextAlarm() (Alarm, error) {
	a, err := scanAlarm(s.db.QueryRow(`SELECT ` + alarmColumns + ` FROM alarms ORDER BY trigger_at ASC LIMIT 1`))
	if err == sql.ErrNoRows {
		return Alarm{}, ErrNotFound
	}
	return a, err
}

// TakeDueAlarms deletes and returns every alarm whose trigger time is at or
// before now. Each alarm is returned by exactly one call.
func (s *Store) TakeDueAlarms(now time.Time) ([]Alarm, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning take transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT `+alarmColumns+` FROM alarms WHERE trigger_at <= ? ORDER BY trigger_at ASC`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	var due []Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range due {
		if _, err := tx.Exec(`DELETE FROM alarms WHERE request_code = ?`, a.RequestCode); err != nil {
			return nil, fmt.Errorf("deleting alarm %d: %w", a.RequestCode, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing take: %w", err)
	}
	return due, nil
}

func (s *Store) queryAlarms(query string, args ...any) ([]Alarm, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alarms []Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		alarms = append(alarms, a)
	}
	return alarms, rows.Err()
}

func scanAlarm(row rowScanner) (Alarm, error) {
	var a Alarm
	var triggerAt int64
	var createdAt string
	if err := row.Scan(&a.RequestCode, &a.RuleID, &triggerAt, &a.Exact, &a.Payload, &createdAt); err != nil {
		return Alarm{}, err
	}
	a.TriggerAt = time.UnixMilli(triggerAt)
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Alarm{}, fmt.Errorf("parsing created_at for alarm %d: %w", a.RequestCode, err)
	}
	return a, nil
}
