package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/nudge/internal/schedule"
	"github.com/kalambet/nudge/internal/storage"
)

// RuleJSON is the wire form of a schedule rule. Which fields apply depends on
// Kind: interval uses IntervalValue and IntervalUnit, daily uses Hour and
// Minute, weekly adds Days and one_time adds Date (YYYY-MM-DD).
type RuleJSON struct {
	ID            string     `json:"id,omitempty"`
	Label         string     `json:"label"`
	Kind          string     `json:"kind"`
	IntervalValue int        `json:"interval_value,omitempty"`
	IntervalUnit  string     `json:"interval_unit,omitempty"`
	Hour          int        `json:"hour"`
	Minute        int        `json:"minute"`
	Days          []string   `json:"days,omitempty"`
	Date          string     `json:"date,omitempty"`
	Enabled       *bool      `json:"enabled,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// RuleToJSON converts a stored rule to its wire form.
func RuleToJSON(r schedule.Rule) RuleJSON {
	enabled := r.Enabled
	created, updated := r.CreatedAt, r.UpdatedAt
	out := RuleJSON{
		ID:        r.ID,
		Label:     r.Label,
		Enabled:   &enabled,
		CreatedAt: &created,
		UpdatedAt: &updated,
	}
	if r.Type != nil {
		out.Kind = string(r.Type.Kind())
	}
	switch v := r.Type.(type) {
	case schedule.Interval:
		out.IntervalValue, out.IntervalUnit = v.Value, string(v.Unit)
	case schedule.Daily:
		out.Hour, out.Minute = v.Hour, v.Minute
	case schedule.Weekly:
		out.Hour, out.Minute = v.Hour, v.Minute
		for _, d := range v.Days.List() {
			out.Days = append(out.Days, d.String())
		}
	case schedule.OneTime:
		out.Hour, out.Minute = v.Hour, v.Minute
		out.Date = v.Date.String()
	}
	return out
}

// Rule converts the wire form to a rule. A missing Enabled means enabled.
func (j RuleJSON) Rule() (schedule.Rule, error) {
	r := schedule.Rule{ID: j.ID, Label: strings.TrimSpace(j.Label), Enabled: j.Enabled == nil || *j.Enabled}

	switch schedule.Kind(strings.ToLower(j.Kind)) {
	case schedule.KindInterval:
		unit, err := schedule.ParseUnit(j.IntervalUnit)
		if err != nil {
			return r, err
		}
		r.Type = schedule.Interval{Value: j.IntervalValue, Unit: unit}
	case schedule.KindDaily:
		r.Type = schedule.Daily{Hour: j.Hour, Minute: j.Minute}
	case schedule.KindWeekly:
		var days schedule.Weekdays
		for _, name := range j.Days {
			d, err := schedule.ParseWeekday(name)
			if err != nil {
				return r, err
			}
			days |= schedule.WeekdayBit(d)
		}
		r.Type = schedule.Weekly{Days: days, Hour: j.Hour, Minute: j.Minute}
	case schedule.KindOneTime:
		d, err := schedule.ParseDate(j.Date)
		if err != nil {
			return r, err
		}
		r.Type = schedule.OneTime{Date: d, Hour: j.Hour, Minute: j.Minute}
	default:
		return r, fmt.Errorf("unknown rule kind %q", j.Kind)
	}
	return r, nil
}

// JobJSON is the status of a background job.
type JobJSON struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	WorkName    string    `json:"work_name,omitempty"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	RunAfter    time.Time `json:"run_after"`
	LastError   string    `json:"last_error,omitempty"`
}

func jobToJSON(j storage.Job) JobJSON {
	return JobJSON{
		ID:          j.ID,
		Type:        j.Type,
		WorkName:    j.WorkName,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		RunAfter:    j.RunAfter,
		LastError:   j.LastError,
	}
}

// MessageJSON is a chat message.
type MessageJSON struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	Status           string    `json:"status"`
	NotificationSent bool      `json:"notification_sent"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func messageToJSON(m storage.Message) MessageJSON {
	return MessageJSON{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		Role:             m.Role,
		Content:          m.Content,
		Status:           string(m.Status),
		NotificationSent: m.NotificationSent,
		Error:            m.Error,
		CreatedAt:        m.CreatedAt,
	}
}

// JournalEntryJSON is a journal entry.
type JournalEntryJSON struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Mood      string    `json:"mood,omitempty"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

func journalToJSON(e storage.JournalEntry) JournalEntryJSON {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return JournalEntryJSON{ID: e.ID, Content: e.Content, Mood: e.Mood, Tags: tags, CreatedAt: e.CreatedAt}
}

// SentNotificationJSON is one entry of the check-in history.
type SentNotificationJSON struct {
	ID             string    `json:"id"`
	RuleID         string    `json:"rule_id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	TopicReference string    `json:"topic_reference,omitempty"`
	TimeOfDay      string    `json:"time_of_day"`
	SentAt         time.Time `json:"sent_at"`
}

func sentToJSON(n storage.SentNotification) SentNotificationJSON {
	return SentNotificationJSON{
		ID:             n.ID,
		RuleID:         n.RuleID,
		Title:          n.Title,
		Body:           n.Body,
		TopicReference: n.TopicReference,
		TimeOfDay:      n.TimeOfDay,
		SentAt:         n.SentAt,
	}
}
