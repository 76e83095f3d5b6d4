package notify

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/audit"
)

var baseNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recordingSink struct {
	name string

	mu     sync.Mutex
	events []Event
	fails  int
	block  bool
	got    chan Event
}

func newRecordingSink(name string) *recordingSink {
	return &recordingSink{name: name, got: make(chan Event, 16)}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(ctx context.Context, ev Event) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return errors.New("sink unavailable")
	}
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.got <- ev
	return nil
}

func waitEvent(t *testing.T, s *recordingSink) Event {
	t.Helper()
	select {
	case ev := <-s.got:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("sink %s received nothing", s.name)
		return Event{}
	}
}

func testCase(t *testing.T) *approval.Case {
	t.Helper()
	tx := approval.Transaction{ID: "tx-1", Amount: 4_500_000, Currency: "MXN", Venue: "cancun", UserID: "teller-7"}
	c, err := approval.Open("case-1", tx, approval.Requirement{Tier: approval.TierMulti, Urgency: approval.UrgencyNormal}, baseNow, approval.DefaultWindows())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	return c
}

func TestDispatcher_FansOutToEverySink(t *testing.T) {
	a, b := newRecordingSink("a"), newRecordingSink("b")
	d := NewDispatcher(Config{Workers: 2, Timeout: time.Second}, nil, a, b)
	d.Start(context.Background())
	defer d.Stop(context.Background())

	c := testCase(t)
	d.OnTransition(c, "", approval.StatePending)

	for _, s := range []*recordingSink{a, b} {
		ev := waitEvent(t, s)
		if ev.Type != EventSubmitted || ev.CaseID != "case-1" || ev.Seq != 1 {
			t.Fatalf("unexpected event on %s: %+v", s.name, ev)
		}
	}
}

func TestDispatcher_PublishDoesNotBlockWhenSinkHangs(t *testing.T) {
	slow := &recordingSink{name: "slow", block: true, got: make(chan Event, 1)}
	d := NewDispatcher(Config{Workers: 1, QueueSize: 1, Timeout: 20 * time.Millisecond, MaxAttempts: 1}, nil, slow)
	d.Start(context.Background())
	defer d.Stop(context.Background())

	c := testCase(t)
	start := time.Now()
	for i := 0; i < 50; i++ {
		d.OnTransition(c, "", approval.StatePending)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("publishing blocked for %s", elapsed)
	}
}

func TestDispatcher_RetriesFailedDelivery(t *testing.T) {
	flaky := newRecordingSink("flaky")
	flaky.fails = 2
	d := NewDispatcher(Config{
		Workers:      1,
		Timeout:      time.Second,
		MaxAttempts:  5,
		RetryBackoff: time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
		RetryTick:    5 * time.Millisecond,
	}, nil, flaky)
	d.Start(context.Background())
	defer d.Stop(context.Background())

	d.Publish(Event{CaseID: "case-9", Type: EventEscalated})
	ev := waitEvent(t, flaky)
	if ev.CaseID != "case-9" {
		t.Fatalf("unexpected redelivered event: %+v", ev)
	}
}

func TestDispatcher_RetryQueueIsBounded(t *testing.T) {
	failing := newRecordingSink("down")
	failing.fails = 1000
	d := NewDispatcher(Config{RetryQueue: 3, RetryBackoff: time.Hour}, nil, failing)

	for i := 0; i < 10; i++ {
		d.deferRetry(delivery{sink: failing, event: Event{CaseID: "c"}, attempt: 2})
	}
	if got := d.Pending(); got != 3 {
		t.Fatalf("expected retry queue capped at 3, got %d", got)
	}
}

func TestDispatcher_StopDrainsQueue(t *testing.T) {
	sink := newRecordingSink("log")
	d := NewDispatcher(Config{Workers: 1}, nil, sink)
	for i := 0; i < 3; i++ {
		d.Publish(Event{CaseID: "case", Type: EventApproved})
	}
	d.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 3 {
		t.Fatalf("expected 3 delivered events, got %d", len(sink.events))
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	d := NewDispatcher(Config{RetryBackoff: time.Second, MaxBackoff: 5 * time.Second}, nil)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := d.backoff(i + 2); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+2, w, got)
		}
	}
}

func TestEventFor_UsesLatestEntry(t *testing.T) {
	c := testCase(t)
	next, err := approval.Apply(c, approval.Command{Action: approval.ActionReject, Actor: "carla", Note: "velocity limit", At: baseNow.Add(time.Minute)}, approval.DefaultWindows())
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	ev := EventFor(next, approval.StatePending, approval.StateRejected)
	if ev.Type != EventRejected || ev.Actor != "carla" || ev.Note != "velocity limit" || ev.Seq != 2 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Subject() != "tollgate.case.rejected" {
		t.Fatalf("unexpected subject %q", ev.Subject())
	}
	if !strings.Contains(ev.Summary(), "45000.00 MXN") {
		t.Fatalf("expected formatted amount in summary, got %q", ev.Summary())
	}

	un := UnassignableEvent(c)
	if un.Type != EventUnassignable || un.Subject() != "tollgate.case.unassignable" {
		t.Fatalf("unexpected unassignable event: %+v", un)
	}
}

func TestAuditSink_AppendsTransition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink := NewAuditSink(audit.NewWriter(path))

	c := testCase(t)
	if err := sink.Send(context.Background(), EventFor(c, "", approval.StatePending)); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	events, err := audit.Read(path, audit.Filter{CaseID: "case-1"})
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if len(events) != 1 || events[0].Action != approval.ActionSubmit || events[0].Actor != "teller-7" {
		t.Fatalf("unexpected audit events: %+v", events)
	}
}

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	fail     bool
	downChat int64
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := c.(tgbotapi.MessageConfig)
	if b.downChat != 0 && msg.ChatID == b.downChat {
		return tgbotapi.Message{}, errors.New("chat unavailable")
	}
	if b.fail && msg.ParseMode == "HTML" {
		return tgbotapi.Message{}, errors.New("bad html")
	}
	b.sent = append(b.sent, msg)
	return tgbotapi.Message{}, nil
}

func TestTelegramSink_SendsHTMLAndFallsBack(t *testing.T) {
	bot := &fakeBot{}
	sink, err := newTelegramSink(bot, []string{"100", " 200 "}, nil)
	if err != nil {
		t.Fatalf("newTelegramSink error: %v", err)
	}
	c := testCase(t)
	if err := sink.Send(context.Background(), EventFor(c, "", approval.StatePending)); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(bot.sent) != 2 || bot.sent[1].ChatID != 200 {
		t.Fatalf("expected one message per chat, got %+v", bot.sent)
	}
	if !strings.Contains(bot.sent[0].Text, "<b>SUBMITTED</b>") || !strings.Contains(bot.sent[0].Text, "Deadline:") {
		t.Fatalf("unexpected html text: %s", bot.sent[0].Text)
	}

	bot.sent = nil
	bot.fail = true
	if err := sink.Send(context.Background(), EventFor(c, "", approval.StatePending)); err != nil {
		t.Fatalf("Send with fallback error: %v", err)
	}
	if len(bot.sent) != 2 || bot.sent[0].ParseMode != "" {
		t.Fatalf("expected plain text fallback, got %+v", bot.sent)
	}
}

func TestTelegramSink_RetryOnlyReachesFailedChats(t *testing.T) {
	bot := &fakeBot{downChat: 200}
	sink, err := newTelegramSink(bot, []string{"100", "200"}, nil)
	if err != nil {
		t.Fatalf("newTelegramSink error: %v", err)
	}
	ev := EventFor(testCase(t), "", approval.StatePending)

	if err := sink.Send(context.Background(), ev); err == nil {
		t.Fatal("expected error for the unavailable chat")
	}
	bot.mu.Lock()
	bot.downChat = 0
	bot.mu.Unlock()
	if err := sink.Send(context.Background(), ev); err != nil {
		t.Fatalf("retry error: %v", err)
	}

	perChat := map[int64]int{}
	for _, msg := range bot.sent {
		perChat[msg.ChatID]++
	}
	if perChat[100] != 1 || perChat[200] != 1 {
		t.Fatalf("expected one message per chat across retries, got %v", perChat)
	}
	if len(sink.reached) != 0 || len(sink.order) != 0 {
		t.Fatalf("expected delivered event forgotten, got %v", sink.reached)
	}

	if err := sink.Send(context.Background(), Event{ID: "", Type: EventApproved}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(bot.sent) != 4 {
		t.Fatalf("expected events without an ID to go to every chat, got %d messages", len(bot.sent))
	}
}

func TestTelegramSink_FiltersEventTypes(t *testing.T) {
	bot := &fakeBot{}
	sink, err := newTelegramSink(bot, []string{"1"}, []string{"Escalated"})
	if err != nil {
		t.Fatalf("newTelegramSink error: %v", err)
	}
	_ = sink.Send(context.Background(), Event{Type: EventApproved})
	_ = sink.Send(context.Background(), Event{Type: EventEscalated})
	if len(bot.sent) != 1 {
		t.Fatalf("expected only escalated event sent, got %d", len(bot.sent))
	}
	if _, err := newTelegramSink(bot, []string{"abc"}, nil); err == nil {
		t.Fatal("expected invalid chat id error")
	}
}

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subj)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *fakeConn) FlushWithContext(ctx context.Context) error { return ctx.Err() }

func TestNATSSink_PublishesOnEventSubject(t *testing.T) {
	conn := &fakeConn{}
	sink := newNATSSink(conn, "")
	if err := sink.Send(context.Background(), Event{CaseID: "case-1", Type: EventEscalated}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(conn.subjects) != 1 || conn.subjects[0] != "tollgate.case.escalated" {
		t.Fatalf("unexpected subjects: %v", conn.subjects)
	}
	if !strings.Contains(string(conn.payloads[0]), `"case_id":"case-1"`) {
		t.Fatalf("unexpected payload: %s", conn.payloads[0])
	}

	prefixed := newNATSSink(conn, "ops.approvals")
	if got := prefixed.Subject(Event{Type: EventExpired}); got != "ops.approvals.expired" {
		t.Fatalf("unexpected prefixed subject %q", got)
	}

	conn.err = errors.New("connection closed")
	if err := sink.Send(context.Background(), Event{Type: EventApproved}); err == nil {
		t.Fatal("expected publish error")
	}
}
