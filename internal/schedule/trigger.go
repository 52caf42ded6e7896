package schedule

import (
	"fmt"
	"sort"
	"time"
)

// NextTrigger returns the next instant the rule should fire after now.
// ok is false when a one-time rule lies in the past; such rules are
// silently not scheduled.
func NextTrigger(t RuleType, now time.Time) (at time.Time, ok bool, err error) {
	switch v := t.(type) {
	case Interval:
		d, err := v.Unit.Duration()
		if err != nil {
			return time.Time{}, false, err
		}
		return now.Add(time.Duration(v.Value) * d), true, nil
	case Daily:
		return nextDaily(now, v.Hour, v.Minute), true, nil
	case Weekly:
		triggers := WeeklyTriggers(v, now)
		if len(triggers) == 0 {
			return time.Time{}, false, fmt.Errorf("weekly rule has no days selected")
		}
		return triggers[0].At, true, nil
	case OneTime:
		at := time.Date(v.Date.Year, v.Date.Month, v.Date.Day, v.Hour, v.Minute, 0, 0, now.Location())
		if !at.After(now) {
			return time.Time{}, false, nil
		}
		return at, true, nil
	default:
		return time.Time{}, false, fmt.Errorf("unsupported rule type %T", t)
	}
}

// DayTrigger is the next occurrence of one selected weekday.
type DayTrigger struct {
	Weekday time.Weekday
	At      time.Time
}

// WeeklyTriggers returns the next occurrence of every selected weekday,
// earliest first.
func WeeklyTriggers(w Weekly, now time.Time) []DayTrigger {
	days := w.Days.List()
	out := make([]DayTrigger, 0, len(days))
	for _, d := range days {
		out = append(out, DayTrigger{Weekday: d, At: nextWeekday(now, d, w.Hour, w.Minute)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// nextDaily is today at hour:minute, or tomorrow if that is not after now.
func nextDaily(now time.Time, hour, minute int) time.Time {
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

func nextWeekday(now time.Time, day time.Weekday, hour, minute int) time.Time {
	ahead := (int(day) - int(now.Weekday()) + 7) % 7
	at := time.Date(now.Year(), now.Month(), now.Day()+ahead, hour, minute, 0, 0, now.Location())
	if !at.After(now) {
		at = at.AddDate(0, 0, 7)
	}
	return at
}
