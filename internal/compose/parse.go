package compose

import (
	"encoding/json"
	"strings"
)

// Field limits applied to every parsed notification, in characters.
const (
	MaxTitleLen = 50
	MaxBodyLen  = 100
	MaxTopicLen = 200
)

// Notification is the content of a check-in notification.
type Notification struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	TopicReference string `json:"topicReference"`
}

type rawNotification struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	TopicReference string `json:"topicReference"`
	TopicSnake     string `json:"topic_reference"`
}

// ParseNotification extracts a notification from a model reply. The JSON
// object may be wrapped in code fences or surrounded by prose. ok is false
// when no object with a non-empty title and body can be found; callers fall
// back to static content.
func ParseNotification(raw string) (Notification, bool) {
	text := stripFences(raw)

	for i := strings.IndexByte(text, '{'); i >= 0; {
		var r rawNotification
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		if err := dec.Decode(&r); err == nil {
			n := Notification{
				Title:          strings.TrimSpace(r.Title),
				Body:           strings.TrimSpace(r.Body),
				TopicReference: strings.TrimSpace(r.TopicReference),
			}
			if n.TopicReference == "" {
				n.TopicReference = strings.TrimSpace(r.TopicSnake)
			}
			if n.Title == "" || n.Body == "" {
				return Notification{}, false
			}
			return n.Truncated(), true
		}

		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return Notification{}, false
}

// Truncated returns n with every field cut to its limit.
func (n Notification) Truncated() Notification {
	return Notification{
		Title:          truncate(n.Title, MaxTitleLen),
		Body:           truncate(n.Body, MaxBodyLen),
		TopicReference: truncate(n.TopicReference, MaxTopicLen),
	}
}

// stripFences returns the contents of the first fenced block, or s unchanged
// when there is none.
func stripFences(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	rest := s[start+3:]
	// Skip the info string (```json).
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.Contains(rest[:nl], "{") {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		return rest[:end]
	}
	return rest
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
