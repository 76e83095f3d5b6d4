package approval

import (
	"strings"
	"time"
)

// Tier is the level of approval authority a transaction requires.
type Tier string

const (
	TierNone   Tier = "none"
	TierSingle Tier = "single"
	TierMulti  Tier = "multi"
)

// ParseTier normalizes a tier name. ok is false for unknown tiers.
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierNone:
		return TierNone, true
	case TierSingle:
		return TierSingle, true
	case TierMulti:
		return TierMulti, true
	default:
		return "", false
	}
}

// Urgency influences the escalation window of a case.
type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// ParseUrgency normalizes an urgency name. Empty input maps to normal.
func ParseUrgency(s string) (Urgency, bool) {
	switch Urgency(strings.ToLower(strings.TrimSpace(s))) {
	case "", UrgencyNormal:
		return UrgencyNormal, true
	case UrgencyHigh:
		return UrgencyHigh, true
	default:
		return "", false
	}
}

// State is the lifecycle state of an approval case.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateEscalated State = "escalated"
	StateExpired   State = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateApproved, StateRejected, StateExpired:
		return true
	}
	return false
}

// IsOpen reports whether the case still awaits a decision.
func (s State) IsOpen() bool {
	return s == StatePending || s == StateEscalated
}

// Action is something that happened to a case and is recorded in its history.
type Action string

const (
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionTimeout Action = "timeout"
	ActionCancel  Action = "cancel"
)

// SystemActor is the actor recorded for transitions not driven by a human.
const SystemActor = "system"

// Transaction is the immutable input evaluated against the policy.
// Amount is expressed in minor currency units.
type Transaction struct {
	ID        string    `json:"id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Venue     string    `json:"venue,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RiskFlags []string  `json:"risk_flags,omitempty"`
}

// HasFlag reports whether the transaction carries the given risk flag.
func (t Transaction) HasFlag(flag string) bool {
	for _, f := range t.RiskFlags {
		if strings.EqualFold(strings.TrimSpace(f), strings.TrimSpace(flag)) {
			return true
		}
	}
	return false
}

// Requirement is the outcome of evaluating a transaction against a policy.
type Requirement struct {
	Tier          Tier    `json:"tier"`
	Urgency       Urgency `json:"urgency"`
	RuleID        string  `json:"rule_id,omitempty"`
	PolicyVersion string  `json:"policy_version,omitempty"`
}

// NeedsApproval reports whether a case must be opened.
func (r Requirement) NeedsApproval() bool {
	return r.Tier != TierNone && r.Tier != ""
}

// HistoryEntry is one immutable record in a case's decision history.
type HistoryEntry struct {
	Seq    int       `json:"seq"`
	Actor  string    `json:"actor"`
	Action Action    `json:"action"`
	From   State     `json:"from,omitempty"`
	To     State     `json:"to"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

// Case is the approval case opened for one transaction.
type Case struct {
	ID            string         `json:"id"`
	Transaction   Transaction    `json:"transaction"`
	Tier          Tier           `json:"tier"`
	Urgency       Urgency        `json:"urgency"`
	PolicyVersion string         `json:"policy_version,omitempty"`
	RuleID        string         `json:"rule_id,omitempty"`
	State         State          `json:"state"`
	CreatedAt     time.Time      `json:"created_at"`
	Deadline      time.Time      `json:"deadline"`
	EscalatedAt   time.Time      `json:"escalated_at,omitempty"`
	ClosedAt      time.Time      `json:"closed_at,omitempty"`
	Unassignable  bool           `json:"unassignable,omitempty"`
	Version       int            `json:"version"`
	History       []HistoryEntry `json:"history"`
}

// Clone returns a deep copy so callers cannot mutate stored history.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Transaction.RiskFlags != nil {
		cp.Transaction.RiskFlags = append([]string(nil), c.Transaction.RiskFlags...)
	}
	cp.History = append([]HistoryEntry(nil), c.History...)
	return &cp
}

// LastEntry returns the most recent history entry.
func (c *Case) LastEntry() (HistoryEntry, bool) {
	if len(c.History) == 0 {
		return HistoryEntry{}, false
	}
	return c.History[len(c.History)-1], true
}

// Windows controls how long a case may stay open in each phase.
type Windows struct {
	Pending     time.Duration
	PendingHigh time.Duration
	Escalated   time.Duration
}

// PendingFor returns the pending window for an urgency level.
func (w Windows) PendingFor(u Urgency) time.Duration {
	if u == UrgencyHigh && w.PendingHigh > 0 {
		return w.PendingHigh
	}
	return w.Pending
}

// DefaultWindows are used when configuration leaves windows unset.
func DefaultWindows() Windows {
	return Windows{
		Pending:     30 * time.Minute,
		PendingHigh: 10 * time.Minute,
		Escalated:   time.Hour,
	}
}

// Query filters cases when listing.
type Query struct {
	States        []State
	Tier          Tier
	Venue         string
	TransactionID string
	DueBefore     time.Time
	Unassignable  bool
	Limit         int
}

// Matches reports whether c satisfies every populated filter field.
func (q Query) Matches(c *Case) bool {
	if len(q.States) > 0 {
		found := false
		for _, s := range q.States {
			if c.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Tier != "" && c.Tier != q.Tier {
		return false
	}
	if v := strings.TrimSpace(q.Venue); v != "" && !strings.EqualFold(c.Transaction.Venue, v) {
		return false
	}
	if id := strings.TrimSpace(q.TransactionID); id != "" && c.Transaction.ID != id {
		return false
	}
	if !q.DueBefore.IsZero() && (c.Deadline.IsZero() || !c.Deadline.Before(q.DueBefore)) {
		return false
	}
	if q.Unassignable && !c.Unassignable {
		return false
	}
	return true
}
