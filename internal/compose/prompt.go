// Package compose builds the prompts sent to the model for check-ins and
// coach replies, parses structured replies, and holds the static fallback
// content.
package compose

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/nudge/internal/llm"
	"github.com/kalambet/nudge/internal/storage"
)

// Context sizes gathered for a personalised check-in.
const (
	JournalContextSize = 5
	HistoryContextSize = 10
)

// Bucket is a coarse time of day.
type Bucket string

const (
	Morning   Bucket = "morning"
	Afternoon Bucket = "afternoon"
	Evening   Bucket = "evening"
	Night     Bucket = "night"
)

// BucketOf maps a local time to morning [5,12), afternoon [12,17),
// evening [17,21) or night.
func BucketOf(t time.Time) Bucket {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return Morning
	case h >= 12 && h < 17:
		return Afternoon
	case h >= 17 && h < 21:
		return Evening
	default:
		return Night
	}
}

const checkinSystemPrompt = `You write short, warm check-in notifications for a personal journaling app. Your output must be ONLY a single JSON object with the keys "title", "body" and "topicReference". Do not include any other text, prose, or markdown.

Rules:
- "title" is at most 50 characters.
- "body" is at most 100 characters and invites the user to write a journal entry.
- "topicReference" names the theme you picked, in a few words.
- Refer to something concrete from the recent entries when it helps.
- Do not repeat a topic listed under recent notifications.
- Match the time of day.`

// CheckinInput is the context for a personalised check-in.
type CheckinInput struct {
	RuleLabel string
	Now       time.Time
	Entries   []storage.JournalEntry
	History   []storage.SentNotification
}

// CheckinPrompt builds the completion request for a check-in notification.
func CheckinPrompt(in CheckinInput) llm.Request {
	var sb strings.Builder
	bucket := BucketOf(in.Now)
	fmt.Fprintf(&sb, "It is %s (%s, %s).\n", bucket, in.Now.Format("Monday"), in.Now.Format("15:04"))
	if in.RuleLabel != "" {
		fmt.Fprintf(&sb, "Reminder name: %s\n", in.RuleLabel)
	}

	entries := in.Entries
	if len(entries) > JournalContextSize {
		entries = entries[:JournalContextSize]
	}
	if len(entries) > 0 {
		sb.WriteString("\n[Recent Journal Entries]\n")
		for _, e := range entries {
			fmt.Fprintf(&sb, "- %s", e.CreatedAt.In(in.Now.Location()).Format("Jan 2"))
			if e.Mood != "" {
				fmt.Fprintf(&sb, " (mood: %s)", e.Mood)
			}
			if len(e.Tags) > 0 {
				fmt.Fprintf(&sb, " [%s]", strings.Join(e.Tags, ", "))
			}
			fmt.Fprintf(&sb, ": %s\n", clip(e.Content, 400))
		}
	} else {
		sb.WriteString("\nThe user has no journal entries yet.\n")
	}

	history := in.History
	if len(history) > HistoryContextSize {
		history = history[:HistoryContextSize]
	}
	if len(history) > 0 {
		sb.WriteString("\n[Recent Notifications]\n")
		for _, n := range history {
			topic := n.TopicReference
			if topic == "" {
				topic = n.Title
			}
			fmt.Fprintf(&sb, "- %s (%s)\n", topic, n.TimeOfDay)
		}
	}

	sb.WriteString("\nWrite the next check-in.")

	return llm.Request{
		System:    checkinSystemPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		MaxTokens: 300,
	}
}

// CoachSystemPrompt frames chat replies.
const CoachSystemPrompt = `You are a supportive journaling coach. Keep replies concise and concrete, ask at most one question at a time, and never give medical or legal advice.`

const defaultMaxContextTokens = 6000

// ChatRequest builds a completion request from a conversation. Only user
// messages and completed assistant replies are sent; the oldest turns are
// dropped first when the history exceeds maxContextTokens.
func ChatRequest(history []storage.Message, maxContextTokens int) llm.Request {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}

	var msgs []llm.Message
	for _, m := range history {
		switch {
		case m.Role == storage.RoleUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case m.Role == storage.RoleAssistant && m.Status == storage.MessageCompleted && m.Content != "":
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}

	remaining := maxContextTokens - EstimateTokens(CoachSystemPrompt)
	start := len(msgs)
	for start > 0 {
		tokens := EstimateTokens(msgs[start-1].Content)
		if tokens > remaining && start < len(msgs) {
			break
		}
		remaining -= tokens
		start--
	}
	msgs = msgs[start:]

	// The conversation sent to the model must open with a user turn.
	for len(msgs) > 0 && msgs[0].Role != llm.RoleUser {
		msgs = msgs[1:]
	}

	return llm.Request{System: CoachSystemPrompt, Messages: msgs, MaxTokens: 1024}
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func clip(s string, max int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max]) + "…"
}
