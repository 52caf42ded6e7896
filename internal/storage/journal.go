package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// --- Journal Entries ---

func (s *Store) SaveJournalEntry(e JournalEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO journal_entries (id, content, mood, tags, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Content, e.Mood, string(tagsJSON), formatTime(e.CreatedAt))
	return err
}

// RecentJournalEntries returns up to limit entries, most recent first.
func (s *Store) RecentJournalEntries(limit int) ([]JournalEntry, error) {
	rows, err := s.db.Query(`SELECT id, content, mood, tags, created_at FROM journal_entries
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var tags, createdAt string
		if err := rows.Scan(&e.ID, &e.Content, &e.Mood, &tags, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags for entry %s: %w", e.ID, err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Sent Notifications ---

// SaveSentNotification appends a record to the notification history. Records
// are never updated or pruned.
func (s *Store) SaveSentNotification(n SentNotification) error {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO sent_notifications (id, user_id, rule_id, title, body, topic_reference, time_of_day, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.RuleID, n.Title, n.Body, n.TopicReference, n.TimeOfDay, formatTime(n.SentAt))
	return err
}

// RecentSentNotifications returns up to limit records, most recent first.
func (s *Store) RecentSentNotifications(limit int) ([]SentNotification, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, rule_id, title, body, topic_reference, time_of_day, sent_at
		FROM sent_notifications ORDER BY sent_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SentNotification
	for rows.Next() {
		var n SentNotification
		var sentAt string
		if err := rows.Scan(&n.ID, &n.UserID, &n.RuleID, &n.Title, &n.Body, &n.TopicReference, &n.TimeOfDay, &sentAt); err != nil {
			return nil, err
		}
		if n.SentAt, err = parseTime(sentAt); err != nil {
			return nil, fmt.Errorf("parsing sent_at for notification %s: %w", n.ID, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) CountSentNotifications() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sent_notifications`).Scan(&n)
	return n, err
}
