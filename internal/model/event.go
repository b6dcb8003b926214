package model

import "time"

type EventKind string

const (
	EventStarted     EventKind = "started"
	EventAvailable   EventKind = "available"
	EventAddedToCart EventKind = "added-to-cart"
	EventPurchased   EventKind = "purchased"
	EventError       EventKind = "error"
	EventStopped     EventKind = "stopped"
)

type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Path        string `json:"path,omitempty"`
	Data        []byte `json:"-"`
}

type NotificationEvent struct {
	ID         string            `json:"id"`
	Kind       EventKind         `json:"kind"`
	TaskID     string            `json:"taskId,omitempty"`
	TaskName   string            `json:"taskName,omitempty"`
	URL        string            `json:"url,omitempty"`
	Message    string            `json:"message"`
	Timestamp  time.Time         `json:"timestamp"`
	Fields     map[string]string `json:"fields,omitempty"`
	ImageURL   string            `json:"imageUrl,omitempty"`
	Attachment *Artifact         `json:"attachment,omitempty"`
}
