package escalation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/delegation"
	"github.com/MEKXH/tollgate/internal/engine"
	"github.com/MEKXH/tollgate/internal/policy"
	"github.com/MEKXH/tollgate/internal/store"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newEngine(t *testing.T, clk *clock) *engine.Engine {
	t.Helper()
	p := policy.Policy{
		Version:         "v1",
		Tiers:           policy.Tiers{Single: []string{"approver"}, Multi: []string{"senior_approver"}},
		EscalationRoles: []string{"treasury_admin"},
		Rules: []policy.Rule{
			{ID: "medium", MinAmount: 500_000, Tier: "single"},
			{ID: "large", MinAmount: 4_000_000, Tier: "multi"},
		},
	}
	eng, err := engine.New(engine.Options{
		Repository: store.NewMemory(),
		Policy:     p,
		Roster:     delegation.StaticRoster{"carla": {"senior_approver"}, "dario": {"treasury_admin"}},
		Now:        clk.Now,
	})
	if err != nil {
		t.Fatalf("engine.New error: %v", err)
	}
	return eng
}

func TestNew_ClockDefaultsAndOverrides(t *testing.T) {
	clk := &clock{now: t0}
	eng := newEngine(t, clk)

	s, err := New(eng, Config{}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if got := s.now(); got.Before(time.Now().Add(-time.Minute)) {
		t.Fatalf("expected wall clock by default, got %s", got)
	}

	s, err = New(eng, Config{Now: eng.Now}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	clk.Set(t0.Add(42 * time.Minute))
	if got := s.now(); !got.Equal(t0.Add(42 * time.Minute)) {
		t.Fatalf("expected the engine clock, got %s", got)
	}
}

func TestScanOnce_EscalatesThenExpires(t *testing.T) {
	clk := &clock{now: t0}
	eng := newEngine(t, clk)
	ctx := context.Background()

	c, err := eng.SubmitTransaction(ctx, approval.Transaction{ID: "tx-45k", Amount: 4_500_000, Currency: "MXN", UserID: "teller"})
	if err != nil {
		t.Fatalf("SubmitTransaction error: %v", err)
	}

	s, err := New(eng, Config{Now: eng.Now}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	clk.Set(t0.Add(10 * time.Minute))
	res, err := s.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce error: %v", err)
	}
	if res.Due != 0 || res.Open != 1 {
		t.Fatalf("expected nothing due yet, got %+v", res)
	}

	clk.Set(t0.Add(31 * time.Minute))
	res, err = s.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce error: %v", err)
	}
	if res.Escalated != 1 {
		t.Fatalf("expected one escalation, got %+v", res)
	}

	res, err = s.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("repeat ScanOnce error: %v", err)
	}
	if res.Due != 0 || res.Escalated != 0 {
		t.Fatalf("expected repeat scan to be a no-op, got %+v", res)
	}

	clk.Set(t0.Add(92 * time.Minute))
	res, err = s.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce error: %v", err)
	}
	if res.Expired != 1 || res.Open != 0 {
		t.Fatalf("expected expiry, got %+v", res)
	}

	final, err := eng.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if final.State != approval.StateExpired || len(final.History) != 3 {
		t.Fatalf("expected expired case with three entries, got %s/%d", final.State, len(final.History))
	}
	if got := s.LastScan(); got.Expired != 1 {
		t.Fatalf("unexpected last scan %+v", got)
	}
}

type fakeEngine struct {
	mu       sync.Mutex
	cases    []*approval.Case
	listErr  error
	timeout  func(id string) (*approval.Case, error)
	listings atomic.Int32
}

func (f *fakeEngine) ListPending(context.Context, approval.Query) ([]*approval.Case, error) {
	f.listings.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.cases, nil
}

func (f *fakeEngine) Timeout(_ context.Context, id string) (*approval.Case, error) {
	return f.timeout(id)
}

func TestScanOnce_SkipsCasesDecidedMeanwhile(t *testing.T) {
	fe := &fakeEngine{
		cases: []*approval.Case{
			{ID: "a", State: approval.StatePending, Deadline: t0.Add(-time.Minute)},
			{ID: "b", State: approval.StatePending, Deadline: t0.Add(-time.Second)},
		},
		timeout: func(id string) (*approval.Case, error) {
			if id == "a" {
				return nil, &approval.StaleStateError{CaseID: id, Current: approval.StateApproved, Action: approval.ActionTimeout}
			}
			return nil, approval.Invalid("deadline", "not due")
		},
	}
	s, err := New(fe, Config{}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	s.now = func() time.Time { return t0 }

	res, err := s.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce error: %v", err)
	}
	if res.Due != 2 || res.Skipped != 2 {
		t.Fatalf("expected both cases skipped, got %+v", res)
	}
}

func TestScanOnce_FailuresBackOff(t *testing.T) {
	fe := &fakeEngine{listErr: errors.New("database unavailable")}
	s, err := New(fe, Config{Interval: time.Minute, MaxBackoff: 5 * time.Minute}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	s.now = func() time.Time { return t0 }

	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute}
	for i, w := range want {
		if _, err := s.ScanOnce(context.Background()); err == nil {
			t.Fatal("expected scan error")
		}
		if got := s.nextWait(); got != w {
			t.Fatalf("failure %d: expected wait %s, got %s", i+1, w, got)
		}
	}

	fe.mu.Lock()
	fe.listErr = nil
	fe.mu.Unlock()
	if _, err := s.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce error: %v", err)
	}
	if got := s.nextWait(); got != time.Minute {
		t.Fatalf("expected interval after recovery, got %s", got)
	}
}

func TestTimeoutFailureKeepsDeadlineTracked(t *testing.T) {
	fe := &fakeEngine{
		cases: []*approval.Case{{ID: "a", State: approval.StatePending, Deadline: t0.Add(-time.Minute)}},
		timeout: func(string) (*approval.Case, error) {
			return nil, errors.New("write failed")
		},
	}
	s, err := New(fe, Config{}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	s.now = func() time.Time { return t0 }

	res, err := s.ScanOnce(context.Background())
	if err == nil || res.Failed != 1 {
		t.Fatalf("expected failed timeout, got %+v, %v", res, err)
	}
	if s.deadlines.len() != 1 {
		t.Fatalf("expected failed case to stay tracked, got %d", s.deadlines.len())
	}
}

func TestNextWait_CronAndEarlyDeadline(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 1, 30, 0, time.UTC)
	s, err := New(&fakeEngine{}, Config{Cron: "*/5 * * * *"}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	s.now = func() time.Time { return now }

	if got := s.nextWait(); got != 3*time.Minute+30*time.Second {
		t.Fatalf("expected wait until 09:05, got %s", got)
	}

	s.Track("case-1", now.Add(30*time.Second))
	if got := s.nextWait(); got != 30*time.Second+time.Millisecond {
		t.Fatalf("expected early wakeup for the tracked deadline, got %s", got)
	}

	s.OnTransition(&approval.Case{ID: "case-0", Deadline: now.Add(10 * time.Second)}, "", approval.StateApproved)
	if s.deadlines.len() != 1 {
		t.Fatalf("closed cases must not be tracked, got %d", s.deadlines.len())
	}
}

func TestNew_RejectsInvalidCron(t *testing.T) {
	if _, err := New(&fakeEngine{}, Config{Cron: "every minute"}, nil); err == nil {
		t.Fatal("expected invalid cron error")
	}
	if _, err := New(nil, Config{}, nil); err == nil {
		t.Fatal("expected missing engine error")
	}
}

func TestDeadlinesPeekEarliest(t *testing.T) {
	var d deadlines
	d.push("late", t0.Add(time.Hour))
	d.push("early", t0.Add(time.Minute))
	d.push("middle", t0.Add(10*time.Minute))

	first, ok := d.peek()
	if !ok || first.caseID != "early" {
		t.Fatalf("expected earliest deadline first, got %+v", first)
	}

	d.reset([]deadline{{caseID: "x", at: t0.Add(2 * time.Hour)}, {caseID: "y", at: t0}})
	first, _ = d.peek()
	if d.len() != 2 || first.caseID != "y" {
		t.Fatalf("unexpected heap after reset: %+v", d.h)
	}
}

func TestStartRunsInitialScan(t *testing.T) {
	fe := &fakeEngine{}
	s, err := New(fe, Config{Interval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for fe.listings.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not scan after start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()
}
