package models

import "time"

// EventType is a file history event kind.
type EventType string

const (
	EventUpload   EventType = "UPLOAD"
	EventDownload EventType = "DOWNLOAD"
	EventRenewal  EventType = "RENEWAL"
	EventDeletion EventType = "DELETION"
)

// Verb is the past-tense form used in notifications.
func (e EventType) Verb() string {
	switch e {
	case EventUpload:
		return "uploaded"
	case EventDownload:
		return "downloaded"
	case EventRenewal:
		return "renewed"
	case EventDeletion:
		return "deleted"
	default:
		return "changed"
	}
}

// Requester identifies who triggered an event.
type Requester struct {
	IP        string
	UserAgent string
}

// HistoryEvent is an append-only audit row.
type HistoryEvent struct {
	ID        int64     `json:"-"`
	FileID    int64     `json:"-"`
	Type      EventType `json:"type"`
	At        time.Time `json:"at"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
}
