// internal/types/event.go
package types

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies an inbound chat event.
type EventKind string

const (
	KindMessage   EventKind = "message"
	KindEdit      EventKind = "edit"
	KindReaction  EventKind = "reaction"
	KindRedaction EventKind = "redaction"
	KindOther     EventKind = "other"
)

type EventID string

// NewEventID returns a fresh ID for events that originate locally
// (scheduled prompts, webhook triggers) rather than from the chat server.
func NewEventID() EventID {
	return EventID(uuid.New().String())
}

// ChatEvent is one inbound event from the chat transport. Immutable once
// received.
type ChatEvent struct {
	ID        EventID
	Room      string
	Sender    string
	Body      string
	Kind      EventKind
	Timestamp time.Time
}
