package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/nudge/internal/storage"
)

type JournalRequest struct {
	Content string   `json:"content"`
	Mood    string   `json:"mood"`
	Tags    []string `json:"tags"`
}

func handleAddJournal(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req JournalRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		e := storage.JournalEntry{
			ID:        uuid.New().String(),
			Content:   req.Content,
			Mood:      req.Mood,
			Tags:      req.Tags,
			CreatedAt: time.Now(),
		}
		if err := deps.Store.SaveJournalEntry(e); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save entry: %v", err)
			return
		}
		writeJSON(w, journalToJSON(e))
	}
}

func handleListJournal(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Store.RecentJournalEntries(parseIntParam(r, "limit", 20, 100))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list journal: %v", err)
			return
		}
		out := make([]JournalEntryJSON, 0, len(entries))
		for _, e := range entries {
			out = append(out, journalToJSON(e))
		}
		writeJSON(w, out)
	}
}

func handleListNotifications(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sent, err := deps.Store.RecentSentNotifications(parseIntParam(r, "limit", 20, 100))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list notifications: %v", err)
			return
		}
		out := make([]SentNotificationJSON, 0, len(sent))
		for _, n := range sent {
			out = append(out, sentToJSON(n))
		}
		writeJSON(w, out)
	}
}
