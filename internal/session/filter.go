// internal/session/filter.go
package session

import (
	"strings"
	"time"

	"github.com/user/chatrelay/internal/types"
)

// Filter decides which inbound events are eligible for the pipeline.
// Pure: no state, no side effects.
type Filter struct {
	// Self is the bot's own sender identity; its own messages are rejected
	// so the bot never replies to itself.
	Self string
	// Room is the single monitored room; events from any other room are
	// rejected.
	Room string
	// Since rejects events older than the session start, so a backlog
	// replayed after login is not answered.
	Since time.Time
	// RequireMention gates generation on the body naming Self. Accepted
	// events that do not trigger are still recorded into the transcript.
	RequireMention bool
}

// Accept reports whether the event belongs in the conversation at all.
func (f Filter) Accept(ev types.ChatEvent) bool {
	if ev.Kind != types.KindMessage {
		return false
	}
	if ev.Room != f.Room {
		return false
	}
	if ev.Sender == f.Self {
		return false
	}
	if strings.TrimSpace(ev.Body) == "" {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Triggers reports whether an accepted event should start a generation.
func (f Filter) Triggers(ev types.ChatEvent) bool {
	if !f.RequireMention {
		return true
	}
	return strings.Contains(strings.ToLower(ev.Body), strings.ToLower(f.Self))
}
