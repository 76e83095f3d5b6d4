package notify

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// botSender is the part of *tgbotapi.BotAPI the sink uses.
type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// maxPartialEvents bounds how many partly delivered events the sink
// remembers between retries.
const maxPartialEvents = 1024

// TelegramSink posts events to one or more Telegram chats. When some chats
// fail, the chats already reached are remembered by event ID so a retried
// delivery only goes to the rest.
type TelegramSink struct {
	bot     botSender
	chatIDs []int64
	events  map[EventType]bool

	mu      sync.Mutex
	reached map[string]map[int64]bool
	order   []string
}

// NewTelegramSink connects a bot with token. An empty events list sends
// every event type.
func NewTelegramSink(token string, chatIDs []string, events []string) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return newTelegramSink(bot, chatIDs, events)
}

func newTelegramSink(bot botSender, chatIDs []string, events []string) (*TelegramSink, error) {
	if len(chatIDs) == 0 {
		return nil, fmt.Errorf("telegram sink requires at least one chat id")
	}
	ids := make([]int64, 0, len(chatIDs))
	for _, raw := range chatIDs {
		id, err := parseInt64(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	var filter map[EventType]bool
	if len(events) > 0 {
		filter = make(map[EventType]bool, len(events))
		for _, e := range events {
			filter[EventType(strings.ToLower(strings.TrimSpace(e)))] = true
		}
	}
	return &TelegramSink{bot: bot, chatIDs: ids, events: filter, reached: make(map[string]map[int64]bool)}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

// Send posts ev to every chat not yet reached for ev.ID. The bot API is not context aware, so the call
// is abandoned (not cancelled) when ctx ends first.
func (s *TelegramSink) Send(ctx context.Context, ev Event) error {
	if s.events != nil && !s.events[ev.Type] {
		return nil
	}
	text := renderEventHTML(ev)

	done := make(chan error, 1)
	go func() {
		var firstErr error
		for _, chatID := range s.chatIDs {
			if s.wasReached(ev.ID, chatID) {
				continue
			}
			if err := s.sendTo(chatID, text, ev); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			s.markReached(ev.ID, chatID)
		}
		if firstErr == nil {
			s.forget(ev.ID)
		}
		done <- firstErr
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *TelegramSink) sendTo(chatID int64, text string, ev Event) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "HTML"
	if _, err := s.bot.Send(msg); err == nil {
		return nil
	}
	msg.ParseMode = ""
	msg.Text = ev.Summary()
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram chat %d: %w", chatID, err)
	}
	return nil
}

func (s *TelegramSink) wasReached(eventID string, chatID int64) bool {
	if eventID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reached[eventID][chatID]
}

func (s *TelegramSink) markReached(eventID string, chatID int64) {
	if eventID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chats, ok := s.reached[eventID]
	if !ok {
		if len(s.order) >= maxPartialEvents {
			delete(s.reached, s.order[0])
			s.order = s.order[1:]
		}
		chats = make(map[int64]bool, len(s.chatIDs))
		s.reached[eventID] = chats
		s.order = append(s.order, eventID)
	}
	chats[chatID] = true
}

func (s *TelegramSink) forget(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reached[eventID]; !ok {
		return
	}
	delete(s.reached, eventID)
	for i, id := range s.order {
		if id == eventID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func renderEventHTML(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> case <code>%s</code>\n", html.EscapeString(strings.ToUpper(string(ev.Type))), html.EscapeString(ev.CaseID))
	fmt.Fprintf(&b, "Amount: %s\n", html.EscapeString(formatAmount(ev.Amount, ev.Currency)))
	if ev.Venue != "" {
		fmt.Fprintf(&b, "Venue: %s\n", html.EscapeString(ev.Venue))
	}
	fmt.Fprintf(&b, "Tier: %s", html.EscapeString(string(ev.Tier)))
	if ev.Urgency != "" {
		fmt.Fprintf(&b, " (%s)", html.EscapeString(string(ev.Urgency)))
	}
	b.WriteString("\n")
	if ev.Actor != "" && ev.Type != EventSubmitted {
		fmt.Fprintf(&b, "By: %s\n", html.EscapeString(ev.Actor))
	}
	if ev.Note != "" {
		fmt.Fprintf(&b, "Note: <i>%s</i>\n", html.EscapeString(ev.Note))
	}
	if ev.To == "pending" || ev.To == "escalated" {
		fmt.Fprintf(&b, "Deadline: %s\n", ev.Deadline.UTC().Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n")
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
