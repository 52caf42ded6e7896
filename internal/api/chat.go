package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/nudge/internal/chat"
	"github.com/kalambet/nudge/internal/storage"
)

const maxConversationTitle = 60

type SendMessageRequest struct {
	Content string `json:"content"`
}

type SendMessageResponse struct {
	UserMessageID string `json:"user_message_id"`
	MessageID     string `json:"message_id"`
	JobID         string `json:"job_id"`
}

// MessagePatch is a progress update from the live chat view. Error fails
// the reply, Completed finishes it, Content alone stores partial output and
// Seen records that the user already saw the reply.
type MessagePatch struct {
	Content   *string `json:"content,omitempty"`
	Completed bool    `json:"completed,omitempty"`
	Error     *string `json:"error,omitempty"`
	Seen      bool    `json:"seen,omitempty"`
}

func handleListMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := deps.Store.ListMessages(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list messages: %v", err)
			return
		}
		out := make([]MessageJSON, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, messageToJSON(m))
		}
		writeJSON(w, out)
	}
}

// handleSendMessage stores the user's message with a PENDING assistant
// placeholder and queues the background reply.
func handleSendMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID := chi.URLParam(r, "id")
		var req SendMessageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		content := strings.TrimSpace(req.Content)
		if content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		if err := deps.Store.EnsureConversation(convID, conversationTitle(content)); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create conversation: %v", err)
			return
		}
		now := time.Now()
		user := storage.Message{
			ID:             uuid.New().String(),
			ConversationID: convID,
			Role:           storage.RoleUser,
			Content:        content,
			Status:         storage.MessageCompleted,
			CreatedAt:      now,
		}
		reply := storage.Message{
			ID:             uuid.New().String(),
			ConversationID: convID,
			Role:           storage.RoleAssistant,
			Status:         storage.MessagePending,
			CreatedAt:      now.Add(time.Millisecond),
		}
		for _, m := range []storage.Message{user, reply} {
			if err := deps.Store.SaveMessage(m); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to save message: %v", err)
				return
			}
		}

		jobID, err := deps.Queue.Enqueue(chat.ReplySpec(reply))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue reply: %v", err)
			return
		}
		writeJSON(w, SendMessageResponse{UserMessageID: user.ID, MessageID: reply.ID, JobID: jobID})
	}
}

func handlePatchMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var p MessagePatch
		if !decodeBody(w, r, &p) {
			return
		}

		var err error
		switch {
		case p.Error != nil:
			err = deps.Store.FailMessage(id, *p.Error)
		case p.Completed:
			var content string
			if p.Content != nil {
				content = *p.Content
			} else {
				var m storage.Message
				if m, err = deps.Store.GetMessage(id); err == nil {
					content = m.Content
				}
			}
			if err == nil {
				err = deps.Store.CompleteMessage(id, content)
			}
		case p.Content != nil:
			err = deps.Store.UpdateMessageContent(id, *p.Content)
		}
		if err == nil && p.Seen {
			_, err = deps.Store.MarkNotificationSent(id)
		}

		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "message not found")
			return
		case errors.Is(err, storage.ErrStateConflict):
			httpError(w, http.StatusConflict, "conflict", "message is no longer pending")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update message: %v", err)
			return
		}

		m, err := deps.Store.GetMessage(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get message: %v", err)
			return
		}
		writeJSON(w, messageToJSON(m))
	}
}

func conversationTitle(content string) string {
	r := []rune(strings.Join(strings.Fields(content), " "))
	if len(r) <= maxConversationTitle {
		return string(r)
	}
	return string(r[:maxConversationTitle-1]) + "…"
}
