// internal/session/transport.go
package session

import (
	"context"

	"github.com/user/chatrelay/internal/types"
)

// Transport is the chat-server connection the session loop drives.
// Implementations own protocol encoding, login, and delivery; the loop only
// sequences events and replies.
type Transport interface {
	// Connect performs the login/handshake. It is called once on start and
	// again after every backoff cycle.
	Connect(ctx context.Context) error

	// Next blocks until the next inbound event arrives. A returned error
	// means the connection is unusable and the loop should back off and
	// reconnect.
	Next(ctx context.Context) (types.ChatEvent, error)

	// Publish sends a text message to a room.
	Publish(ctx context.Context, room, text string) error

	// Self returns the transport's own identity, known after Connect. The
	// filter uses it to ignore the bot's own messages.
	Self() string

	Close() error
}

// TypingNotifier is an optional Transport extension for protocols with a
// typing indicator. Failures are best-effort and never surface to the loop.
type TypingNotifier interface {
	Typing(ctx context.Context, room string, active bool)
}
