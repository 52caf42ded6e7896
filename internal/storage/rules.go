package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kalambet/nudge/internal/schedule"
)

const ruleColumns = `id, label, kind, interval_value, interval_unit, hour, minute, days_mask, date, enabled, created_at, updated_at`

// ruleRow is the flat column layout of a schedule rule.
type ruleRow struct {
	kind          string
	intervalValue int
	intervalUnit  string
	hour, minute  int
	daysMask      int
	date          string
}

func flattenRule(t schedule.RuleType) (ruleRow, error) {
	switch v := t.(type) {
	case schedule.Interval:
		return ruleRow{kind: string(schedule.KindInterval), intervalValue: v.Value, intervalUnit: string(v.Unit)}, nil
	case schedule.Daily:
		return ruleRow{kind: string(schedule.KindDaily), hour: v.Hour, minute: v.Minute}, nil
	case schedule.Weekly:
		return ruleRow{kind: string(schedule.KindWeekly), hour: v.Hour, minute: v.Minute, daysMask: int(v.Days)}, nil
	case schedule.OneTime:
		return ruleRow{kind: string(schedule.KindOneTime), hour: v.Hour, minute: v.Minute, date: v.Date.String()}, nil
	default:
		return ruleRow{}, fmt.Errorf("unsupported rule type %T", t)
	}
}

func (r ruleRow) ruleType() (schedule.RuleType, error) {
	switch schedule.Kind(r.kind) {
	case schedule.KindInterval:
		return schedule.Interval{Value: r.intervalValue, Unit: schedule.Unit(r.intervalUnit)}, nil
	case schedule.KindDaily:
		return schedule.Daily{Hour: r.hour, Minute: r.minute}, nil
	case schedule.KindWeekly:
		return schedule.Weekly{Days: schedule.Weekdays(r.daysMask), Hour: r.hour, Minute: r.minute}, nil
	case schedule.KindOneTime:
		d, err := schedule.ParseDate(r.date)
		if err != nil {
			return nil, err
		}
		return schedule.OneTime{Date: d, Hour: r.hour, Minute: r.minute}, nil
	default:
		return nil, fmt.Errorf("unknown rule kind %q", r.kind)
	}
}

// SaveRule inserts a new rule. CreatedAt and UpdatedAt default to now.
func (s *Store) SaveRule(rule schedule.Rule) error {
	row, err := flattenRule(rule.Type)
	if err != nil {
		return err
	}
	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = now
	}
	_, err = s.db.Exec(`
		INSERT INTO schedule_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Label, row.kind, row.intervalValue, row.intervalUnit, row.hour, row.minute,
		row.daysMask, row.date, rule.Enabled, formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt),
	)
	return err
}

// UpdateRule replaces the label, type and enabled flag of an existing rule.
func (s *Store) UpdateRule(rule schedule.Rule) error {
	row, err := flattenRule(rule.Type)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE schedule_rules SET label = ?, kind = ?, interval_value = ?, interval_unit = ?, hour = ?, minute = ?,
			days_mask = ?, date = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		rule.Label, row.kind, row.intervalValue, row.intervalUnit, row.hour, row.minute,
		row.daysMask, row.date, rule.Enabled, formatTime(time.Now()), rule.ID,
	)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *Store) SetRuleEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE schedule_rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *Store) DeleteRule(id string) error {
	res, err := s.db.Exec(`DELETE FROM schedule_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *Store) GetRule(id string) (schedule.Rule, error) {
	r, err := scanRule(s.db.QueryRow(`SELECT `+ruleColumns+` FROM schedule_rules WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return schedule.Rule{}, ErrNotFound
	}
	return r, err
}

func (s *Store) ListRules() ([]schedule.Rule, error) {
	return s.queryRules(`SELECT ` + ruleColumns + ` FROM schedule_rules ORDER BY created_at ASC, rowid ASC`)
}

func (s *Store) ListEnabledRules() ([]schedule.Rule, error) {
	return s.queryRules(`SELECT ` + ruleColumns + ` FROM schedule_rules WHERE enabled = 1 ORDER BY created_at ASC, rowid ASC`)
}

func (s *Store) queryRules(query string, args ...any) ([]schedule.Rule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []schedule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanRule(row rowScanner) (schedule.Rule, error) {
	var r schedule.Rule
	var fr ruleRow
	var createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.Label, &fr.kind, &fr.intervalValue, &fr.intervalUnit, &fr.hour, &fr.minute,
		&fr.daysMask, &fr.date, &r.Enabled, &createdAt, &updatedAt); err != nil {
		return schedule.Rule{}, err
	}
	t, err := fr.ruleType()
	if err != nil {
		return schedule.Rule{}, fmt.Errorf("decoding rule %s: %w", r.ID, err)
	}
	r.Type = t
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return schedule.Rule{}, fmt.Errorf("parsing created_at for rule %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return schedule.Rule{}, fmt.Errorf("parsing updated_at for rule %s: %w", r.ID, err)
	}
	return r, nil
}
