package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Conversations ---

// EnsureConversation creates the conversation if it does not exist yet.
func (s *Store) EnsureConversation(id, title string) error {
	now := formatTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`, id, title, now, now)
	return err
}

func (s *Store) GetConversation(id string) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRow(`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

// --- Messages ---

const messageColumns = `id, conversation_id, role, content, status, notification_sent, error, created_at, updated_at`

// SaveMessage inserts a message and bumps the conversation's updated_at.
func (s *Store) SaveMessage(m Message) error {
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.Status == "" {
		m.Status = MessageCompleted
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning message transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, string(m.Status), m.NotificationSent, m.Error,
		formatTime(m.CreatedAt), formatTime(now),
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, formatTime(now), m.ConversationID); err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetMessage(id string) (Message, error) {
	m, err := scanMessage(s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	return m, err
}

// ListMessages returns a conversation's messages in chronological order.
func (s *Store) ListMessages(conversationID string) ([]Message, error) {
	return s.queryMessages(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? ORDER BY created_at ASC, rowid ASC`, conversationID)
}

// ListUnfinishedAssistantMessages returns assistant messages that still
// need background work: pending generation, or completed but not notified.
func (s *Store) ListUnfinishedAssistantMessages() ([]Message, error) {
	return s.queryMessages(`SELECT `+messageColumns+` FROM messages
		WHERE role = ? AND (status = 'PENDING' OR (status = 'COMPLETED' AND notification_sent = 0))
		ORDER BY created_at ASC, rowid ASC`, RoleAssistant)
}

// UpdateMessageContent stores partial content streamed into a pending message.
func (s *Store) UpdateMessageContent(id, content string) error {
	return s.transitionMessage(id, `content = ?`, []any{content}, MessagePending)
}

// ResetMessageContent clears the partial content of a pending message.
func (s *Store) ResetMessageContent(id string) error {
	return s.transitionMessage(id, `content = ''`, nil, MessagePending)
}

// CompleteMessage moves a pending message to COMPLETED with its full content.
func (s *Store) CompleteMessage(id, content string) error {
	return s.transitionMessage(id, `content = ?, status = 'COMPLETED', error = ''`, []any{content}, MessagePending)
}

// FailMessage moves a pending message to FAILED, clearing any partial content.
func (s *Store) FailMessage(id, errMsg string) error {
	return s.transitionMessage(id, `content = '', status = 'FAILED', error = ?`, []any{errMsg}, MessagePending)
}

// MarkNotificationSent flips notification_sent from false to true on a
// completed message. It reports whether this call made the transition.
func (s *Store) MarkNotificationSent(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE messages SET notification_sent = 1, updated_at = ?
		WHERE id = ? AND status = 'COMPLETED' AND notification_sent = 0`, formatTime(time.Now()), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetMessage(id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (s *Store) transitionMessage(id, set string, args []any, from MessageStatus) error {
	all := make([]any, 0, len(args)+3)
	all = append(all, args...)
	all = append(all, formatTime(time.Now()), id, string(from))
	res, err := s.db.Exec(`UPDATE messages SET `+set+`, updated_at = ? WHERE id = ? AND status = ?`, all...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetMessage(id); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}

func (s *Store) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var status, createdAt, updatedAt string
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &status, &m.NotificationSent, &m.Error,
		&createdAt, &updatedAt); err != nil {
		return Message{}, err
	}
	m.Status = MessageStatus(status)
	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return Message{}, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Message{}, fmt.Errorf("parsing updated_at for message %s: %w", m.ID, err)
	}
	return m, nil
}
