// Package chat completes coach replies in the background and tells the user
// once a reply is ready, unless the live view already showed it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/nudge/internal/compose"
	"github.com/kalambet/nudge/internal/jobs"
	"github.com/kalambet/nudge/internal/llm"
	"github.com/kalambet/nudge/internal/notify"
	"github.com/kalambet/nudge/internal/settings"
	"github.com/kalambet/nudge/internal/storage"
)

// ReplyJob is the job type that completes one assistant message.
const ReplyJob = "chat_reply"

// DefaultSeenGrace is how long a completed reply is left for the live view
// to mark as seen before a notification is sent.
const DefaultSeenGrace = 10 * time.Second

// User-facing failure messages.
const (
	MsgTryAgain     = "Couldn't get a reply. Tap to try again."
	MsgConfigureKey = "Configure your API key in Settings"
	MsgOffline      = "No connection. Tap to try again."
)

// Payload is the input of a reply job.
type Payload struct {
	MessageID string `json:"message_id"`
}

// WorkName is the unique work name of the reply job for one assistant
// message. Replies in the same conversation never supersede each other.
func WorkName(messageID string) string {
	return "chat_" + messageID
}

// ReplySpec is the job that completes message m.
func ReplySpec(m storage.Message) jobs.Spec {
	return jobs.Spec{
		Type:     ReplyJob,
		WorkName: WorkName(m.ID),
		Payload:  Payload{MessageID: m.ID},
	}
}

// Store is the message persistence the worker uses.
type Store interface {
	GetMessage(id string) (storage.Message, error)
	ListMessages(conversationID string) ([]storage.Message, error)
	ResetMessageContent(id string) error
	CompleteMessage(id, content string) error
	FailMessage(id, errMsg string) error
	MarkNotificationSent(id string) (bool, error)
}

// SettingsSource provides the current user settings.
type SettingsSource interface {
	Get() (settings.Settings, error)
}

// Preflight verifies the LLM host is reachable.
type Preflight interface {
	Check(ctx context.Context) error
}

// Displayer is the delivery layer.
type Displayer interface {
	Display(ctx context.Context, n notify.Notification) notify.Result
}

// CompleterFactory builds a model client for an API key.
type CompleterFactory func(apiKey string) (llm.Completer, error)

// Deps groups the collaborators of a Worker.
type Deps struct {
	Store     Store
	Settings  SettingsSource
	Preflight Preflight
	Models    CompleterFactory
	Display   Displayer
	// SeenGrace overrides DefaultSeenGrace. Negative disables the wait.
	SeenGrace        time.Duration
	MaxContextTokens int
	Logger           *slog.Logger
}

// Worker handles reply jobs.
type Worker struct {
	store     Store
	settings  SettingsSource
	preflight Preflight
	models    CompleterFactory
	display   Displayer
	grace     time.Duration
	maxTokens int
	logger    *slog.Logger
}

// NewWorker creates a Worker.
func NewWorker(d Deps) *Worker {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	grace := d.SeenGrace
	switch {
	case grace == 0:
		grace = DefaultSeenGrace
	case grace < 0:
		grace = 0
	}
	return &Worker{
		store:     d.Store,
		settings:  d.Settings,
		preflight: d.Preflight,
		models:    d.Models,
		display:   d.Display,
		grace:     grace,
		maxTokens: d.MaxContextTokens,
		logger:    d.Logger,
	}
}

// Handle implements jobs.Handler.
func (w *Worker) Handle(ctx context.Context, job jobs.Job) jobs.Result {
	var p Payload
	if err := job.Decode(&p); err != nil {
		return jobs.Fail(err)
	}
	if p.MessageID == "" {
		return jobs.Fail(fmt.Errorf("job %s: missing message id", job.ID))
	}
	log := w.logger.With("job_id", job.ID, "message_id", p.MessageID, "attempt", job.Attempt)

	m, err := w.store.GetMessage(p.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("message gone, nothing to do")
		return jobs.Done()
	}
	if err != nil {
		return jobs.RetryLater(err)
	}

	switch m.Status {
	case storage.MessageFailed:
		return jobs.Done()
	case storage.MessageCompleted:
		if m.NotificationSent {
			return jobs.Done()
		}
		return w.notifyWhenUnseen(ctx, log, m.ID)
	case storage.MessagePending:
		return w.generate(ctx, log, job, m)
	default:
		return jobs.Fail(fmt.Errorf("message %s has unknown status %q", m.ID, m.Status))
	}
}

func (w *Worker) generate(ctx context.Context, log *slog.Logger, job jobs.Job, m storage.Message) jobs.Result {
	s, err := w.settings.Get()
	if err != nil {
		return jobs.RetryLater(err)
	}
	if !s.HasAPIKey() {
		return w.fail(ctx, log, m, MsgConfigureKey, llm.ErrNoAPIKey)
	}

	// No way to resume an interrupted stream: start over.
	if m.Content != "" {
		log.Info("discarding partial reply", "chars", len(m.Content))
		if err := w.store.ResetMessageContent(m.ID); err != nil {
			return w.conflictOr(ctx, log, job, m.ID, err)
		}
	}

	if err := w.preflight.Check(ctx); err != nil {
		if ctx.Err() != nil {
			return jobs.RetryLater(ctx.Err())
		}
		return w.transient(ctx, log, job, m, MsgOffline, fmt.Errorf("preflight: %w", err))
	}

	model, err := w.models(s.APIKey)
	if err != nil {
		return w.fail(ctx, log, m, MsgConfigureKey, err)
	}

	history, err := w.store.ListMessages(m.ConversationID)
	if err != nil {
		return jobs.RetryLater(fmt.Errorf("loading conversation: %w", err))
	}
	req := compose.ChatRequest(upTo(history, m.ID), w.maxTokens)
	if len(req.Messages) == 0 {
		return w.fail(ctx, log, m, MsgTryAgain, fmt.Errorf("conversation %s has no user message", m.ConversationID))
	}

	reply, err := model.Complete(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return jobs.RetryLater(err)
	case llm.IsTransient(err):
		return w.transient(ctx, log, job, m, MsgTryAgain, err)
	case llm.KindOf(err) == llm.KindAuth:
		return w.fail(ctx, log, m, MsgConfigureKey, err)
	default:
		return w.fail(ctx, log, m, MsgTryAgain, err)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return w.fail(ctx, log, m, MsgTryAgain, fmt.Errorf("empty reply"))
	}
	if err := w.store.CompleteMessage(m.ID, reply); err != nil {
		return w.conflictOr(ctx, log, job, m.ID, err)
	}
	log.Info("reply completed", "chars", len(reply))
	return w.notifyWhenUnseen(ctx, log, m.ID)
}

// notifyWhenUnseen gives the live view the grace period to mark the reply
// seen, then notifies if it did not.
func (w *Worker) notifyWhenUnseen(ctx context.Context, log *slog.Logger, id string) jobs.Result {
	if w.grace > 0 {
		t := time.NewTimer(w.grace)
		select {
		case <-ctx.Done():
			t.Stop()
			return jobs.RetryLater(ctx.Err())
		case <-t.C:
		}
	}

	m, err := w.store.GetMessage(id)
	if err != nil {
		return jobs.RetryLater(err)
	}
	if m.Status != storage.MessageCompleted || m.NotificationSent {
		log.Debug("reply already seen")
		return jobs.Done()
	}

	res := w.display.Display(ctx, notify.Notification{
		ID:      notify.IDForConversation(m.ConversationID),
		Channel: notify.ChannelChat,
		Title:   "Your coach replied",
		Body:    preview(m.Content),
		Data:    map[string]string{"target": "chat", "conversation_id": m.ConversationID, "message_id": m.ID},
	})
	if !res.OK() {
		// Left unsent so the sweeper tries again.
		log.Warn("reply notification not displayed", "result", res.String())
		return jobs.Done()
	}
	if _, err := w.store.MarkNotificationSent(m.ID); err != nil {
		log.Error("marking notification sent", "error", err)
	}
	return jobs.Done()
}

func (w *Worker) transient(ctx context.Context, log *slog.Logger, job jobs.Job, m storage.Message, userMsg string, err error) jobs.Result {
	if !job.LastAttempt() {
		log.Info("transient failure, retrying reply", "error", err)
		return jobs.RetryLater(err)
	}
	return w.fail(ctx, log, m, userMsg, err)
}

// fail marks the message FAILED and tells the user.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, m storage.Message, userMsg string, cause error) jobs.Result {
	log.Warn("reply failed", "error", cause, "kind", llm.KindOf(cause))
	if err := w.store.FailMessage(m.ID, userMsg); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			log.Info("message settled elsewhere, not failing it")
			return jobs.Done()
		}
		log.Error("marking message failed", "error", err)
	}

	res := w.display.Display(ctx, notify.Notification{
		ID:      notify.IDForConversation(m.ConversationID),
		Channel: notify.ChannelChat,
		Title:   "Reply failed",
		Body:    userMsg,
		Data:    map[string]string{"target": "chat", "conversation_id": m.ConversationID, "message_id": m.ID},
	})
	if !res.OK() {
		log.Warn("failure notification not displayed", "result", res.String())
	}
	return jobs.Fail(cause)
}

// conflictOr handles a write that found the message no longer PENDING: the
// live view settled it, so handle the new state instead.
func (w *Worker) conflictOr(ctx context.Context, log *slog.Logger, job jobs.Job, id string, err error) jobs.Result {
	if !errors.Is(err, storage.ErrStateConflict) {
		return jobs.RetryLater(err)
	}
	m, gerr := w.store.GetMessage(id)
	if gerr != nil {
		return jobs.RetryLater(gerr)
	}
	log.Info("message settled by the live view", "status", m.Status)
	if m.Status == storage.MessageCompleted && !m.NotificationSent {
		return w.notifyWhenUnseen(ctx, log, id)
	}
	return jobs.Done()
}

// upTo returns the history up to and including the message with id.
func upTo(history []storage.Message, id string) []storage.Message {
	for i, m := range history {
		if m.ID == id {
			return history[:i+1]
		}
	}
	return history
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= compose.MaxBodyLen {
		return s
	}
	return string(r[:compose.MaxBodyLen-1]) + "…"
}
