package approval

import (
	"fmt"
	"strings"
	"time"
)

type edge struct {
	from   State
	action Action
}

var transitions = map[edge]State{
	{StatePending, ActionApprove}:   StateApproved,
	{StatePending, ActionReject}:    StateRejected,
	{StatePending, ActionTimeout}:   StateEscalated,
	{StatePending, ActionCancel}:    StateRejected,
	{StateEscalated, ActionApprove}: StateApproved,
	{StateEscalated, ActionReject}:  StateRejected,
	{StateEscalated, ActionTimeout}: StateExpired,
}

// Next returns the state reached by applying action in state from.
func Next(from State, action Action) (State, bool) {
	to, ok := transitions[edge{from, action}]
	return to, ok
}

// Command is a requested transition on a case.
type Command struct {
	Action Action
	Actor  string
	Note   string
	At     time.Time
}

// Open builds a new pending case for tx. The first history entry records
// the submission.
func Open(id string, tx Transaction, req Requirement, now time.Time, w Windows) (*Case, error) {
	if blank(id) {
		return nil, Invalid("id", "case id is required")
	}
	if err := ValidateTransaction(tx); err != nil {
		return nil, err
	}
	if !req.NeedsApproval() {
		return nil, Invalid("tier", "transaction %s does not require approval", tx.ID)
	}
	urgency := req.Urgency
	if urgency == "" {
		urgency = UrgencyNormal
	}
	now = now.UTC()

	note := "tier " + string(req.Tier)
	if req.RuleID != "" {
		note += " by rule " + req.RuleID
	}

	c := &Case{
		ID:            id,
		Transaction:   tx,
		Tier:          req.Tier,
		Urgency:       urgency,
		PolicyVersion: req.PolicyVersion,
		RuleID:        req.RuleID,
		State:         StatePending,
		CreatedAt:     now,
		Deadline:      now.Add(w.PendingFor(urgency)),
		Version:       1,
		History: []HistoryEntry{{
			Seq:    1,
			Actor:  actorOr(tx.UserID, SystemActor),
			Action: ActionSubmit,
			To:     StatePending,
			Note:   note,
			At:     now,
		}},
	}
	return c, nil
}

// Apply validates cmd against c and returns a transitioned copy. The input
// case is never modified.
func Apply(c *Case, cmd Command, w Windows) (*Case, error) {
	if c == nil {
		return nil, Invalid("case", "case is required")
	}
	if err := ValidateCommand(cmd); err != nil {
		return nil, err
	}

	to, ok := Next(c.State, cmd.Action)
	if !ok {
		return nil, &StaleStateError{CaseID: c.ID, Current: c.State, Action: cmd.Action}
	}

	at := cmd.At.UTC()
	if cmd.Action == ActionTimeout && !at.After(c.Deadline) {
		return nil, Invalid("deadline", "case %s is not due until %s", c.ID, c.Deadline.Format(time.RFC3339))
	}

	next := c.Clone()
	actor := strings.TrimSpace(cmd.Actor)
	note := strings.TrimSpace(cmd.Note)

	switch cmd.Action {
	case ActionTimeout:
		actor = SystemActor
		if note == "" {
			note = fmt.Sprintf("deadline %s passed", c.Deadline.Format(time.RFC3339))
		}
		if to == StateEscalated {
			next.EscalatedAt = at
			next.Deadline = at.Add(w.Escalated)
		}
	case ActionCancel:
		note = fmt.Sprintf("cancelled by %s: %s", actor, note)
		actor = SystemActor
	}

	next.State = to
	if to.IsTerminal() {
		next.ClosedAt = at
	}
	next.Version = c.Version + 1
	next.History = append(next.History, HistoryEntry{
		Seq:    len(c.History) + 1,
		Actor:  actor,
		Action: cmd.Action,
		From:   c.State,
		To:     to,
		Note:   note,
		At:     at,
	})
	return next, nil
}

// Replay rebuilds the state of a case from its decision history.
func Replay(history []HistoryEntry) (State, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("replay: empty history")
	}
	first := history[0]
	if first.Action != ActionSubmit || first.To != StatePending {
		return "", fmt.Errorf("replay: history must start with submit, got %s", first.Action)
	}

	state := StatePending
	for i, entry := range history[1:] {
		if entry.From != state {
			return "", fmt.Errorf("replay: entry %d starts from %s, expected %s", i+2, entry.From, state)
		}
		to, ok := Next(state, entry.Action)
		if !ok {
			return "", fmt.Errorf("replay: entry %d: %s not allowed in %s", i+2, entry.Action, state)
		}
		if entry.To != to {
			return "", fmt.Errorf("replay: entry %d ends in %s, expected %s", i+2, entry.To, to)
		}
		state = to
	}
	return state, nil
}

// ValidateTransaction checks the fields the engine relies on.
func ValidateTransaction(tx Transaction) error {
	if blank(tx.ID) {
		return Invalid("transaction.id", "transaction id is required")
	}
	if blank(tx.Currency) {
		return Invalid("transaction.currency", "currency is required")
	}
	if tx.Amount < 0 {
		return Invalid("transaction.amount", "amount must not be negative, got %d", tx.Amount)
	}
	return nil
}

// ValidateCommand checks the input of a command independently of any case
// state.
func ValidateCommand(cmd Command) error {
	if cmd.At.IsZero() {
		return Invalid("at", "transition time is required")
	}
	switch cmd.Action {
	case ActionApprove:
		if blank(cmd.Actor) {
			return Invalid("actor", "actor is required")
		}
	case ActionReject:
		if blank(cmd.Actor) {
			return Invalid("actor", "actor is required")
		}
		if blank(cmd.Note) {
			return Invalid("note", "a rejection reason is required")
		}
	case ActionCancel:
		if blank(cmd.Actor) {
			return Invalid("actor", "actor is required")
		}
		if blank(cmd.Note) {
			return Invalid("note", "a cancellation reason is required")
		}
	case ActionTimeout:
	case ActionSubmit:
		return Invalid("action", "submit only opens a case")
	default:
		return Invalid("action", "unknown action %q", cmd.Action)
	}
	return nil
}

func actorOr(actor, fallback string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return fallback
}
