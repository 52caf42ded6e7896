package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the variant of a RuleType. It is also the value stored in
// the schedule_rules.kind column.
type Kind string

const (
	KindInterval Kind = "interval"
	KindDaily    Kind = "daily"
	KindWeekly   Kind = "weekly"
	KindOneTime  Kind = "one_time"
)

// Unit is the unit of an Interval rule.
type Unit string

const (
	Minutes Unit = "MINUTES"
	Hours   Unit = "HOURS"
	Days    Unit = "DAYS"
	Weeks   Unit = "WEEKS"
)

// Duration returns the length of one unit.
func (u Unit) Duration() (time.Duration, error) {
	switch u {
	case Minutes:
		return time.Minute, nil
	case Hours:
		return time.Hour, nil
	case Days:
		return 24 * time.Hour, nil
	case Weeks:
		return 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown interval unit %q", string(u))
	}
}

// ParseUnit accepts unit names case-insensitively.
func ParseUnit(s string) (Unit, error) {
	u := Unit(strings.ToUpper(strings.TrimSpace(s)))
	if _, err := u.Duration(); err != nil {
		return "", err
	}
	return u, nil
}

// RuleType is the sealed set of schedule variants: Interval, Daily, Weekly
// and OneTime.
type RuleType interface {
	Kind() Kind
	validate() error
}

// Interval fires every Value Units, measured from the previous firing.
type Interval struct {
	Value int
	Unit  Unit
}

// Daily fires once a day at Hour:Minute local time.
type Daily struct {
	Hour   int
	Minute int
}

// Weekly fires at Hour:Minute on every weekday set in Days.
type Weekly struct {
	Days   Weekdays
	Hour   int
	Minute int
}

// OneTime fires once at Date Hour:Minute and is never rescheduled.
type OneTime struct {
	Date   Date
	Hour   int
	Minute int
}

func (Interval) Kind() Kind { return KindInterval }
func (Daily) Kind() Kind    { return KindDaily }
func (Weekly) Kind() Kind   { return KindWeekly }
func (OneTime) Kind() Kind  { return KindOneTime }

func (t Interval) validate() error {
	if t.Value <= 0 {
		return fmt.Errorf("interval value must be positive, got %d", t.Value)
	}
	_, err := t.Unit.Duration()
	return err
}

func (t Daily) validate() error { return validateClock(t.Hour, t.Minute) }

func (t Weekly) validate() error {
	if t.Days == 0 || t.Days&^AllWeekdays != 0 {
		return fmt.Errorf("weekday mask %d out of range 1..127", int(t.Days))
	}
	return validateClock(t.Hour, t.Minute)
}

func (t OneTime) validate() error {
	if err := t.Date.validate(); err != nil {
		return err
	}
	return validateClock(t.Hour, t.Minute)
}

func validateClock(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("hour %d out of range 0..23", hour)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("minute %d out of range 0..59", minute)
	}
	return nil
}

// Weekdays is a bitmask of selected days: bit 0 is Monday, bit 6 is Sunday.
type Weekdays int

const AllWeekdays Weekdays = 0x7f

// WeekdayBit returns the mask bit for a time.Weekday.
func WeekdayBit(d time.Weekday) Weekdays {
	return 1 << isoIndex(d)
}

// Has reports whether d is selected.
func (w Weekdays) Has(d time.Weekday) bool {
	return w&WeekdayBit(d) != 0
}

// List returns the selected days in Monday..Sunday order.
func (w Weekdays) List() []time.Weekday {
	var days []time.Weekday
	for i := 0; i < 7; i++ {
		if w&(1<<i) != 0 {
			days = append(days, fromISOIndex(i))
		}
	}
	return days
}

// ParseWeekday accepts full or three-letter English day names in any case.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) >= 3 {
		for d := time.Sunday; d <= time.Saturday; d++ {
			name := strings.ToLower(d.String())
			if s == name || s == name[:3] {
				return d, nil
			}
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// isoIndex maps Monday..Sunday to 0..6.
func isoIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func fromISOIndex(i int) time.Weekday {
	return time.Weekday((i + 1) % 7)
}

// Date is a calendar date without a time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) validate() error {
	if d.IsZero() {
		return fmt.Errorf("date is required")
	}
	t := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
	if t.Year() != d.Year || t.Month() != d.Month || t.Day() != d.Day {
		return fmt.Errorf("invalid date %s", d)
	}
	return nil
}

// Rule is a user-configured notification schedule.
type Rule struct {
	ID        string
	Label     string
	Type      RuleType
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the rule id and the variant's fields.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Type == nil {
		return fmt.Errorf("rule %s has no type", r.ID)
	}
	if err := r.Type.validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return nil
}

// Recurring reports whether the rule re-arms itself after firing.
func (r Rule) Recurring() bool {
	_, once := r.Type.(OneTime)
	return r.Type != nil && !once
}
