package schedule

import (
	"encoding/json"
	"fmt"
	"time"
)

// RescheduleKind says how the next occurrence is computed after a firing.
type RescheduleKind string

const (
	RescheduleNone     RescheduleKind = "none"
	RescheduleDaily    RescheduleKind = "daily"
	RescheduleInterval RescheduleKind = "interval"
	RescheduleWeekly   RescheduleKind = "weekly"
)

// Reschedule is the payload carried by an alarm and the job it wakes. It
// holds only primitives so it can travel through the alarm table and the
// job queue unchanged.
type Reschedule struct {
	RuleID        string         `json:"rule_id"`
	Kind          RescheduleKind `json:"reschedule"`
	Hour          int            `json:"hour,omitempty"`
	Minute        int            `json:"minute,omitempty"`
	IntervalValue int            `json:"interval_value,omitempty"`
	IntervalUnit  Unit           `json:"interval_unit,omitempty"`
	Weekday       int            `json:"weekday,omitempty"`   // time.Weekday
	DayIndex      int            `json:"day_index,omitempty"` // 0 = primary alarm
}

// RescheduleFor builds the payload for the alarm of a rule. For weekly rules
// day is the weekday this alarm covers and dayIndex its alarm slot.
func RescheduleFor(rule Rule, day time.Weekday, dayIndex int) Reschedule {
	r := Reschedule{RuleID: rule.ID, Kind: RescheduleNone, DayIndex: dayIndex}
	switch v := rule.Type.(type) {
	case Interval:
		r.Kind = RescheduleInterval
		r.IntervalValue = v.Value
		r.IntervalUnit = v.Unit
	case Daily:
		r.Kind = RescheduleDaily
		r.Hour, r.Minute = v.Hour, v.Minute
	case Weekly:
		r.Kind = RescheduleWeekly
		r.Hour, r.Minute = v.Hour, v.Minute
		r.Weekday = int(day)
	case OneTime:
		r.Hour, r.Minute = v.Hour, v.Minute
	}
	return r
}

// Next returns the occurrence following a firing at now. ok is false for
// payloads that do not recur.
func (r Reschedule) Next(now time.Time) (time.Time, bool, error) {
	switch r.Kind {
	case RescheduleDaily:
		if err := validateClock(r.Hour, r.Minute); err != nil {
			return time.Time{}, false, err
		}
		return nextDaily(now, r.Hour, r.Minute), true, nil
	case RescheduleInterval:
		d, err := r.IntervalUnit.Duration()
		if err != nil {
			return time.Time{}, false, err
		}
		if r.IntervalValue <= 0 {
			return time.Time{}, false, fmt.Errorf("interval value must be positive, got %d", r.IntervalValue)
		}
		return now.Add(time.Duration(r.IntervalValue) * d), true, nil
	case RescheduleWeekly:
		if r.Weekday < 0 || r.Weekday > 6 {
			return time.Time{}, false, fmt.Errorf("weekday %d out of range", r.Weekday)
		}
		if err := validateClock(r.Hour, r.Minute); err != nil {
			return time.Time{}, false, err
		}
		return nextWeekday(now, time.Weekday(r.Weekday), r.Hour, r.Minute), true, nil
	case RescheduleNone, "":
		return time.Time{}, false, nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown reschedule kind %q", r.Kind)
	}
}

// Encode returns the JSON form stored in alarm and job payloads.
func (r Reschedule) Encode() string {
	b, _ := json.Marshal(r)
	return string(b)
}

// DecodeReschedule parses a payload produced by Encode.
func DecodeReschedule(payload string) (Reschedule, error) {
	var r Reschedule
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return Reschedule{}, fmt.Errorf("parsing reschedule payload: %w", err)
	}
	return r, nil
}
