package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/chatrelay/internal/types"
)

const maxTelegramMessage = 4096

// Adapter drives a Telegram bot as the session transport. One adapter
// serves one long-polling connection; the session loop owns its lifecycle
// through Connect/Next/Close.
type Adapter struct {
	token       string
	pollTimeout int

	bot         *tgbotapi.BotAPI
	updates     tgbotapi.UpdatesChannel
	self        string
	stopPolling func()
}

// New creates an adapter for the given bot token. pollTimeout is the
// long-poll window in seconds; zero means 30.
func New(token string, pollTimeout int) *Adapter {
	if pollTimeout <= 0 {
		pollTimeout = 30
	}
	return &Adapter{token: token, pollTimeout: pollTimeout}
}

// Connect performs the getMe handshake and opens the update stream. It is
// called again after every backoff cycle; the previous connection's poller
// must stop first, since two concurrent getUpdates long-polls on one token
// conflict server-side.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.stopPolling != nil {
		a.stopPolling()
		a.stopPolling = nil
	}

	bot, err := tgbotapi.NewBotAPI(a.token)
	if err != nil {
		return fmt.Errorf("telegram login: %w", err)
	}
	a.bot = bot
	a.self = "@" + bot.Self.UserName

	u := tgbotapi.NewUpdate(0)
	u.Timeout = a.pollTimeout
	a.updates = bot.GetUpdatesChan(u)
	a.stopPolling = bot.StopReceivingUpdates
	return nil
}

// Self returns the bot's own identity, known after Connect.
func (a *Adapter) Self() string {
	return a.self
}

// Next blocks for the next update and maps it to a ChatEvent. Non-message
// updates map to kinds the session filter rejects.
func (a *Adapter) Next(ctx context.Context) (types.ChatEvent, error) {
	select {
	case update, ok := <-a.updates:
		if !ok {
			return types.ChatEvent{}, errors.New("telegram: update stream closed")
		}
		return eventFromUpdate(update), nil
	case <-ctx.Done():
		return types.ChatEvent{}, ctx.Err()
	}
}

// Publish sends text to the room, splitting at Telegram's message length
// limit.
func (a *Adapter) Publish(ctx context.Context, room, text string) error {
	chatID, err := strconv.ParseInt(room, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad room id %q: %w", room, err)
	}
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		if _, err := a.bot.Send(msg); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// Typing flips the chat's typing indicator. Telegram's indicator expires on
// its own, so only activation is sent. Best-effort.
func (a *Adapter) Typing(ctx context.Context, room string, active bool) {
	if !active || a.bot == nil {
		return
	}
	chatID, err := strconv.ParseInt(room, 10, 64)
	if err != nil {
		return
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := a.bot.Request(action); err != nil {
		slog.Debug("typing action failed", "error", err)
	}
}

// Close stops the long-polling stream.
func (a *Adapter) Close() error {
	if a.stopPolling != nil {
		a.stopPolling()
		a.stopPolling = nil
	}
	return nil
}

func eventFromUpdate(u tgbotapi.Update) types.ChatEvent {
	switch {
	case u.Message != nil:
		return eventFromMessage(u.Message, types.KindMessage)
	case u.EditedMessage != nil:
		return eventFromMessage(u.EditedMessage, types.KindEdit)
	default:
		return types.ChatEvent{ID: types.NewEventID(), Kind: types.KindOther}
	}
}

func eventFromMessage(m *tgbotapi.Message, kind types.EventKind) types.ChatEvent {
	sender := ""
	if m.From != nil {
		if m.From.UserName != "" {
			sender = "@" + m.From.UserName
		} else {
			sender = strconv.FormatInt(m.From.ID, 10)
		}
	}
	return types.ChatEvent{
		ID:        types.EventID(fmt.Sprintf("%d:%d", m.Chat.ID, m.MessageID)),
		Room:      strconv.FormatInt(m.Chat.ID, 10),
		Sender:    sender,
		Body:      m.Text,
		Kind:      kind,
		Timestamp: m.Time(),
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end >= len(text) {
			end = len(text)
		} else {
			// Never cut a multi-byte rune in half; the server rejects
			// invalid UTF-8.
			for end > 0 && !utf8.RuneStart(text[end]) {
				end--
			}
			if end == 0 {
				end = maxTelegramMessage
			}
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
