package notify

import (
	"fmt"
	"strings"

	"github.com/dmitrijs2005/filedrop/internal/server/models"
)

// EventBatch tags a digest of several messages.
const EventBatch models.EventType = "BATCH"

// Message is one formatted notification.
type Message struct {
	Event   models.EventType
	Summary string
	Details string
}

func newMessage(ev models.EventType, file *models.File) Message {
	m := Message{
		Event:   ev,
		Summary: fmt.Sprintf("File '%s' (%s) was %s.", file.DisplayName, file.ExternalID, ev.Verb()),
	}
	if ev == models.EventUpload {
		m.Details = fmt.Sprintf("Size: %d bytes", file.SizeBytes)
	}
	return m
}

// Text is the single-block form used by the webhook and by digests.
func (m Message) Text() string {
	if m.Details == "" {
		return m.Summary
	}
	return m.Summary + "\n---\n" + m.Details
}

// Body is the email form.
func (m Message) Body() string {
	if m.Details == "" {
		return m.Summary
	}
	return m.Summary + "\n\n" + m.Details
}

func (m Message) subjectWord() string {
	if m.Event == EventBatch {
		return "batch"
	}
	return strings.ToLower(string(m.Event))
}

func digest(msgs []Message, windowMinutes int) Message {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Text()
	}
	return Message{
		Event:   EventBatch,
		Summary: fmt.Sprintf("Batched notifications (last %d minutes):\n\n", windowMinutes) + strings.Join(parts, "\n\n"),
	}
}
