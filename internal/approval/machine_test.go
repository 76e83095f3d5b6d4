package approval

import (
	"errors"
	"testing"
	"time"
)

var baseNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openTestCase(t *testing.T, urgency Urgency) *Case {
	t.Helper()
	c, err := Open("case-1", Transaction{
		ID:       "tx-1",
		Amount:   4_500_000,
		Currency: "MXN",
		Venue:    "cancun",
		UserID:   "teller-7",
	}, Requirement{Tier: TierMulti, Urgency: urgency, RuleID: "large", PolicyVersion: "v1"}, baseNow, DefaultWindows())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	return c
}

func TestOpen_CreatesPendingCaseWithDeadline(t *testing.T) {
	c := openTestCase(t, UrgencyNormal)

	if c.State != StatePending {
		t.Fatalf("expected state %q, got %q", StatePending, c.State)
	}
	if !c.Deadline.Equal(baseNow.Add(30 * time.Minute)) {
		t.Fatalf("unexpected deadline: %s", c.Deadline)
	}
	if c.Version != 1 || len(c.History) != 1 {
		t.Fatalf("expected one submit entry, got version=%d history=%d", c.Version, len(c.History))
	}
	if c.History[0].Action != ActionSubmit || c.History[0].Actor != "teller-7" {
		t.Fatalf("unexpected submit entry: %+v", c.History[0])
	}
}

func TestOpen_HighUrgencyUsesShorterWindow(t *testing.T) {
	c := openTestCase(t, UrgencyHigh)
	if !c.Deadline.Equal(baseNow.Add(10 * time.Minute)) {
		t.Fatalf("unexpected deadline: %s", c.Deadline)
	}
}

func TestOpen_RejectsTierNone(t *testing.T) {
	_, err := Open("c", Transaction{ID: "tx", Currency: "MXN"}, Requirement{Tier: TierNone}, baseNow, DefaultWindows())
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestApply_ApproveFromPending(t *testing.T) {
	c := openTestCase(t, UrgencyNormal)
	next, err := Apply(c, Command{Action: ActionApprove, Actor: "ana", At: baseNow.Add(time.Minute)}, DefaultWindows())
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if next.State != StateApproved {
		t.Fatalf("expected %q, got %q", StateApproved, next.State)
	}
	if next.ClosedAt.IsZero() {
		t.Fatal("expected closed_at on terminal case")
	}
	if c.State != StatePending || len(c.History) != 1 {
		t.Fatal("Apply must not modify its input")
	}
	last, _ := next.LastEntry()
	if last.From != StatePending || last.To != StateApproved || last.Actor != "ana" || last.Seq != 2 {
		t.Fatalf("unexpected history entry: %+v", last)
	}
}

func TestApply_RejectRequiresNote(t *testing.T) {
	c := openTestCase(t, UrgencyNormal)
	for _, note := range []string{"", "   "} {
		_, err := Apply(c, Command{Action: ActionReject, Actor: "ana", Note: note, At: baseNow}, DefaultWindows())
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationError for note %q, got %v", note, err)
		}
		if vErr.Field != "note" {
			t.Fatalf("expected note field, got %q", vErr.Field)
		}
	}
	if c.State != StatePending {
		t.Fatalf("case must remain pending, got %q", c.State)
	}
}

func TestApply_ApproveTerminalCaseIsStale(t *testing.T) {
	c := openTestCase(t, UrgencyNormal)
	rejected, err := Apply(c, Command{Action: ActionReject, Actor: "ana", Note: "duplicate", At: baseNow}, DefaultWindows())
	if err != nil {
		t.Fatalf("reject error: %v", err)
	}

	_, err = Apply(rejected, Command{Action: ActionApprove, Actor: "ana", At: baseNow}, DefaultWindows())
	var stale *StaleStateError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleStateError, got %v", err)
	}
	if stale.Current != StateRejected || stale.Action != ActionApprove {
		t.Fatalf("unexpected stale details: %+v", stale)
	}
}

func TestApply_TimeoutEscalatesThenExpires(t *testing.T) {
	w := DefaultWindows()
	c := openTestCase(t, UrgencyNormal)

	if _, err := Apply(c, Command{Action: ActionTimeout, At: c.Deadline}, w); !IsValidation(err) {
		t.Fatalf("timeout at the deadline must not fire, got %v", err)
	}

	at := c.Deadline.Add(time.Second)
	escalated, err := Apply(c, Command{Action: ActionTimeout, Actor: "mallory", At: at}, w)
	if err != nil {
		t.Fatalf("escalate error: %v", err)
	}
	if escalated.State != StateEscalated {
		t.Fatalf("expected escalated, got %q", escalated.State)
	}
	if !escalated.EscalatedAt.Equal(at) || !escalated.Deadline.Equal(at.Add(w.Escalated)) {
		t.Fatalf("unexpected escalation timing: at=%s deadline=%s", escalated.EscalatedAt, escalated.Deadline)
	}
	last, _ := escalated.LastEntry()
	if last.Actor != SystemActor {
		t.Fatalf("timeout must be recorded as system actor, got %q", last.Actor)
	}

	if _, err := Apply(escalated, Command{Action: ActionTimeout, At: at.Add(time.Minute)}, w); !IsValidation(err) {
		t.Fatalf("second timeout before escalated deadline must not fire, got %v", err)
	}

	expired, err := Apply(escalated, Command{Action: ActionTimeout, At: escalated.Deadline.Add(time.Second)}, w)
	if err != nil {
		t.Fatalf("expire error: %v", err)
	}
	if expired.State != StateExpired || !expired.State.IsTerminal() {
		t.Fatalf("expected terminal expired, got %q", expired.State)
	}
}

func TestApply_CancelOnlyFromPending(t *testing.T) {
	w := DefaultWindows()
	c := openTestCase(t, UrgencyNormal)

	cancelled, err := Apply(c, Command{Action: ActionCancel, Actor: "admin", Note: "voided", At: baseNow}, w)
	if err != nil {
		t.Fatalf("cancel error: %v", err)
	}
	if cancelled.State != StateRejected {
		t.Fatalf("expected rejected, got %q", cancelled.State)
	}
	last, _ := cancelled.LastEntry()
	if last.Actor != SystemActor || last.Note != "cancelled by admin: voided" {
		t.Fatalf("unexpected cancel entry: %+v", last)
	}

	escalated, err := Apply(c, Command{Action: ActionTimeout, At: c.Deadline.Add(time.Second)}, w)
	if err != nil {
		t.Fatalf("escalate error: %v", err)
	}
	if _, err := Apply(escalated, Command{Action: ActionCancel, Actor: "admin", Note: "voided", At: baseNow}, w); !IsStale(err) {
		t.Fatalf("expected stale error cancelling escalated case, got %v", err)
	}
}

func TestReplay_ReconstructsState(t *testing.T) {
	w := DefaultWindows()
	c := openTestCase(t, UrgencyNormal)
	escalated, _ := Apply(c, Command{Action: ActionTimeout, At: c.Deadline.Add(time.Second)}, w)
	approved, err := Apply(escalated, Command{Action: ActionApprove, Actor: "cfo", At: escalated.EscalatedAt.Add(time.Minute)}, w)
	if err != nil {
		t.Fatalf("approve error: %v", err)
	}

	for _, cs := range []*Case{c, escalated, approved} {
		state, err := Replay(cs.History)
		if err != nil {
			t.Fatalf("Replay error: %v", err)
		}
		if state != cs.State {
			t.Fatalf("replayed %q, case is %q", state, cs.State)
		}
		if cs.Version != len(cs.History) {
			t.Fatalf("version %d does not match history length %d", cs.Version, len(cs.History))
		}
	}
}

func TestReplay_RejectsTamperedHistory(t *testing.T) {
	c := openTestCase(t, UrgencyNormal)
	approved, _ := Apply(c, Command{Action: ActionApprove, Actor: "ana", At: baseNow}, DefaultWindows())

	tampered := approved.Clone()
	tampered.History[1].To = StateExpired
	if _, err := Replay(tampered.History); err == nil {
		t.Fatal("expected replay to fail for tampered history")
	}
	if _, err := Replay(nil); err == nil {
		t.Fatal("expected replay to fail for empty history")
	}
}

func TestQueryMatches(t *testing.T) {
	c := openTestCase(t, UrgencyNormal)

	if !(Query{States: []State{StatePending, StateEscalated}}).Matches(c) {
		t.Fatal("expected state filter to match")
	}
	if (Query{States: []State{StateApproved}}).Matches(c) {
		t.Fatal("expected state filter to exclude")
	}
	if !(Query{Venue: "CANCUN"}).Matches(c) {
		t.Fatal("expected venue filter to be case-insensitive")
	}
	if (Query{DueBefore: c.Deadline}).Matches(c) {
		t.Fatal("deadline equal to cutoff is not due")
	}
	if !(Query{DueBefore: c.Deadline.Add(time.Nanosecond)}).Matches(c) {
		t.Fatal("expected due filter to match")
	}
}
