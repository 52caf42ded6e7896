package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStateConflict is returned when a transition is requested for a record
// that is not in the state the transition starts from.
var ErrStateConflict = errors.New("record is not in the expected state")

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

type Job struct {
	ID          string
	Type        string
	WorkName    string // unique work name; a new job replaces a pending one with the same name
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed", "cancelled"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Alarm is a registered wake-up keyed by its request code. At most one row
// exists per request code.
type Alarm struct {
	RequestCode int32
	RuleID      string
	TriggerAt   time.Time
	Exact       bool
	Payload     string
	CreatedAt   time.Time
}

// MessageStatus is the lifecycle state of a chat message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "PENDING"
	MessageCompleted MessageStatus = "COMPLETED"
	MessageFailed    MessageStatus = "FAILED"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID               string
	ConversationID   string
	Role             string
	Content          string
	Status           MessageStatus
	NotificationSent bool
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type JournalEntry struct {
	ID        string
	Content   string
	Mood      string
	Tags      []string
	CreatedAt time.Time
}

// SentNotification is an append-only record of a displayed check-in.
type SentNotification struct {
	ID             string
	UserID         string
	RuleID         string
	Title          string
	Body           string
	TopicReference string
	TimeOfDay      string
	SentAt         time.Time
}
