// Package notify delivers case transition events to external sinks.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MEKXH/tollgate/internal/approval"
)

// EventType names the kind of transition an event reports.
type EventType string

const (
	EventSubmitted    EventType = "submitted"
	EventApproved     EventType = "approved"
	EventRejected     EventType = "rejected"
	EventEscalated    EventType = "escalated"
	EventExpired      EventType = "expired"
	EventUnassignable EventType = "unassignable"
)

// Event is the payload handed to every sink.
type Event struct {
	ID            string           `json:"id"`
	Type          EventType        `json:"type"`
	CaseID        string           `json:"case_id"`
	TransactionID string           `json:"transaction_id"`
	Tier          approval.Tier    `json:"tier"`
	Urgency       approval.Urgency `json:"urgency"`
	Amount        int64            `json:"amount"`
	Currency      string           `json:"currency"`
	Venue         string           `json:"venue,omitempty"`
	From          approval.State   `json:"from,omitempty"`
	To            approval.State   `json:"to"`
	Action        approval.Action  `json:"action,omitempty"`
	Actor         string           `json:"actor,omitempty"`
	Note          string           `json:"note,omitempty"`
	Seq           int              `json:"seq,omitempty"`
	Deadline      time.Time        `json:"deadline,omitempty"`
	At            time.Time        `json:"at"`
}

// Subject is the message subject used by brokers, e.g. tollgate.case.escalated.
func (e Event) Subject() string {
	return "tollgate.case." + string(e.Type)
}

// Summary is a one-line human readable description.
func (e Event) Summary() string {
	amount := formatAmount(e.Amount, e.Currency)
	switch e.Type {
	case EventSubmitted:
		return fmt.Sprintf("Case %s opened: %s at %s needs %s approval by %s", e.CaseID, amount, venueOr(e.Venue), e.Tier, e.Deadline.Format(time.RFC3339))
	case EventUnassignable:
		return fmt.Sprintf("Case %s (%s, %s tier) has no eligible approver", e.CaseID, amount, e.Tier)
	case EventEscalated:
		return fmt.Sprintf("Case %s escalated: %s still undecided, new deadline %s", e.CaseID, amount, e.Deadline.Format(time.RFC3339))
	case EventExpired:
		return fmt.Sprintf("Case %s expired without a decision (%s)", e.CaseID, amount)
	default:
		return fmt.Sprintf("Case %s %s by %s (%s)", e.CaseID, e.Type, e.Actor, amount)
	}
}

// EventFor describes the transition of c from previous to next. The case's
// latest history entry supplies the actor, action and note.
func EventFor(c *approval.Case, previous, next approval.State) Event {
	ev := Event{
		ID:            uuid.NewString(),
		Type:          typeFor(next),
		CaseID:        c.ID,
		TransactionID: c.Transaction.ID,
		Tier:          c.Tier,
		Urgency:       c.Urgency,
		Amount:        c.Transaction.Amount,
		Currency:      c.Transaction.Currency,
		Venue:         c.Transaction.Venue,
		From:          previous,
		To:            next,
		Deadline:      c.Deadline,
	}
	if last, ok := c.LastEntry(); ok {
		ev.Action = last.Action
		ev.Actor = last.Actor
		ev.Note = last.Note
		ev.Seq = last.Seq
		ev.At = last.At
	}
	return ev
}

// UnassignableEvent reports that nobody may act on c.
func UnassignableEvent(c *approval.Case) Event {
	ev := EventFor(c, c.State, c.State)
	ev.Type = EventUnassignable
	ev.From = ""
	return ev
}

func typeFor(s approval.State) EventType {
	switch s {
	case approval.StatePending:
		return EventSubmitted
	case approval.StateApproved:
		return EventApproved
	case approval.StateRejected:
		return EventRejected
	case approval.StateEscalated:
		return EventEscalated
	case approval.StateExpired:
		return EventExpired
	default:
		return EventType(s)
	}
}

func formatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, currency)
}

func venueOr(v string) string {
	if v == "" {
		return "unknown venue"
	}
	return v
}

// Sink receives events. Send must honor ctx cancellation.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}
