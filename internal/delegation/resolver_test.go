package delegation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/policy"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func testPolicy() policy.Policy {
	return policy.Policy{
		Version:         "v1",
		Tiers:           policy.Tiers{Single: []string{"approver"}, Multi: []string{"senior_approver"}},
		EscalationRoles: []string{"treasury_admin"},
	}
}

func testRoster() Roster {
	return Roster{
		"ana":    {"approver"},
		"bruno":  {"cashier"},
		"carla":  {"senior_approver"},
		"dario":  {"treasury_admin"},
		"teller": {"approver"},
	}
}

func caseAt(tier approval.Tier, venue string, state approval.State) *approval.Case {
	return &approval.Case{
		ID:          "case-1",
		Tier:        tier,
		State:       state,
		Transaction: approval.Transaction{ID: "tx-1", Venue: venue, UserID: "teller"},
	}
}

func TestEligibleApprovers_DelegationWindow(t *testing.T) {
	t1 := t0.Add(time.Hour)
	d := Delegation{
		ID:      "d-1",
		Grantor: "ana",
		Grantee: "bruno",
		Scope:   Scope{Tiers: []approval.Tier{approval.TierSingle}},
		Window:  Window{Start: t0, End: t1},
	}
	c := caseAt(approval.TierSingle, "cancun", approval.StatePending)

	during := EligibleApprovers(c, testRoster(), []Delegation{d}, testPolicy(), t0.Add(30*time.Minute))
	if !reflect.DeepEqual(during, []string{"ana", "bruno"}) {
		t.Fatalf("expected ana and bruno inside window, got %v", during)
	}

	after := EligibleApprovers(c, testRoster(), []Delegation{d}, testPolicy(), t0.Add(90*time.Minute))
	if !reflect.DeepEqual(after, []string{"ana"}) {
		t.Fatalf("expected only ana after window, got %v", after)
	}
}

func TestEligibleApprovers_ExcludesOriginatingUser(t *testing.T) {
	got := EligibleApprovers(caseAt(approval.TierSingle, "", approval.StatePending), testRoster(), nil, testPolicy(), t0)
	for _, u := range got {
		if u == "teller" {
			t.Fatalf("originating user must not be eligible: %v", got)
		}
	}
}

func TestEligibleApprovers_EscalationWidensPool(t *testing.T) {
	pending := EligibleApprovers(caseAt(approval.TierMulti, "", approval.StatePending), testRoster(), nil, testPolicy(), t0)
	if !reflect.DeepEqual(pending, []string{"carla"}) {
		t.Fatalf("unexpected pending pool: %v", pending)
	}
	escalated := EligibleApprovers(caseAt(approval.TierMulti, "", approval.StateEscalated), testRoster(), nil, testPolicy(), t0)
	if !reflect.DeepEqual(escalated, []string{"carla", "dario"}) {
		t.Fatalf("unexpected escalated pool: %v", escalated)
	}
}

func TestEligibleApprovers_ScopeVenueAndGrantorAuthority(t *testing.T) {
	window := Window{Start: t0, End: t0.Add(time.Hour)}
	delegations := []Delegation{
		{ID: "venue", Grantor: "ana", Grantee: "bruno", Scope: Scope{Tiers: []approval.Tier{approval.TierSingle}, Venues: []string{"cancun"}}, Window: window},
		// bruno holds no approver role, so his grant carries nothing.
		{ID: "powerless", Grantor: "bruno", Grantee: "eve", Scope: Scope{Tiers: []approval.Tier{approval.TierSingle}}, Window: window},
	}
	now := t0.Add(time.Minute)

	other := EligibleApprovers(caseAt(approval.TierSingle, "tulum", approval.StatePending), testRoster(), delegations, testPolicy(), now)
	if !reflect.DeepEqual(other, []string{"ana"}) {
		t.Fatalf("expected venue scope to exclude bruno, got %v", other)
	}
	inScope := EligibleApprovers(caseAt(approval.TierSingle, "CANCUN", approval.StatePending), testRoster(), delegations, testPolicy(), now)
	if !reflect.DeepEqual(inScope, []string{"ana", "bruno"}) {
		t.Fatalf("expected bruno for cancun, got %v", inScope)
	}
}

func TestEligibleApprovers_RevokedDelegationIgnored(t *testing.T) {
	d := Delegation{
		ID: "d", Grantor: "ana", Grantee: "bruno",
		Scope:     Scope{Tiers: []approval.Tier{approval.TierSingle}},
		Window:    Window{Start: t0, End: t0.Add(time.Hour)},
		RevokedAt: t0.Add(10 * time.Minute),
	}
	got := EligibleApprovers(caseAt(approval.TierSingle, "", approval.StatePending), testRoster(), []Delegation{d}, testPolicy(), t0.Add(20*time.Minute))
	if !reflect.DeepEqual(got, []string{"ana"}) {
		t.Fatalf("expected revoked delegation ignored, got %v", got)
	}
}

func TestEligibleApprovers_EmptyWhenNobodyQualifies(t *testing.T) {
	got := EligibleApprovers(caseAt(approval.TierMulti, "", approval.StatePending), Roster{"ana": {"approver"}}, nil, testPolicy(), t0)
	if len(got) != 0 {
		t.Fatalf("expected empty pool, got %v", got)
	}
	if EligibleApprovers(caseAt(approval.TierSingle, "", approval.StateApproved), testRoster(), nil, testPolicy(), t0) != nil {
		t.Fatal("terminal case must have no approvers")
	}
}

func TestValidate_RejectsSelfAndOverlap(t *testing.T) {
	window := Window{Start: t0, End: t0.Add(2 * time.Hour)}
	single := Scope{Tiers: []approval.Tier{approval.TierSingle}}
	existing := []Delegation{{ID: "d-1", Grantor: "ana", Grantee: "bruno", Scope: single, Window: window}}

	cases := []struct {
		name  string
		d     Delegation
		field string
	}{
		{"self", Delegation{Grantor: "ana", Grantee: "ana", Scope: single, Window: window}, "grantee"},
		{"double", Delegation{Grantor: "ana", Grantee: "carla", Scope: single, Window: Window{Start: t0.Add(time.Hour), End: t0.Add(3 * time.Hour)}}, "scope"},
		{"chain-grantor", Delegation{Grantor: "bruno", Grantee: "carla", Scope: single, Window: window}, "grantor"},
		{"chain-grantee", Delegation{Grantor: "dario", Grantee: "ana", Scope: single, Window: window}, "grantee"},
		{"no-tiers", Delegation{Grantor: "ana", Grantee: "carla", Window: window}, "scope.tiers"},
		{"backwards", Delegation{Grantor: "carla", Grantee: "dario", Scope: single, Window: Window{Start: t0.Add(time.Hour), End: t0}}, "window"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.d, existing, t0)
			var vErr *approval.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if vErr.Field != tc.field {
				t.Fatalf("expected field %q, got %q (%v)", tc.field, vErr.Field, err)
			}
		})
	}
}

func TestValidate_AllowsDisjointScopeAndExpiredOverlap(t *testing.T) {
	window := Window{Start: t0, End: t0.Add(time.Hour)}
	existing := []Delegation{
		{ID: "d-1", Grantor: "ana", Grantee: "bruno", Scope: Scope{Tiers: []approval.Tier{approval.TierSingle}, Venues: []string{"tulum"}}, Window: window},
		{ID: "d-2", Grantor: "ana", Grantee: "bruno", Scope: Scope{Tiers: []approval.Tier{approval.TierSingle}}, Window: window, RevokedAt: t0},
	}
	d := Delegation{Grantor: "ana", Grantee: "carla", Scope: Scope{Tiers: []approval.Tier{approval.TierSingle}, Venues: []string{"cancun"}}, Window: window}
	if err := Validate(d, existing, t0.Add(time.Minute)); err != nil {
		t.Fatalf("expected disjoint venue scope to be accepted, got %v", err)
	}
}

func TestDelegationStatus(t *testing.T) {
	d := Delegation{Window: Window{Start: t0, End: t0.Add(time.Hour)}}
	if got := d.Status(t0.Add(-time.Minute)); got != "scheduled" {
		t.Fatalf("expected scheduled, got %s", got)
	}
	if got := d.Status(t0); got != "active" {
		t.Fatalf("expected active, got %s", got)
	}
	if got := d.Status(t0.Add(time.Hour)); got != "expired" {
		t.Fatalf("expected expired at window end, got %s", got)
	}
	d.RevokedAt = t0.Add(time.Minute)
	if got := d.Status(t0.Add(2 * time.Minute)); got != "revoked" {
		t.Fatalf("expected revoked, got %s", got)
	}
}

func TestFileRoster_LoadsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	if err := os.WriteFile(path, []byte("users:\n  ana: [Approver]\n"), 0644); err != nil {
		t.Fatalf("write roster: %v", err)
	}
	src, err := NewFileRoster(path)
	if err != nil {
		t.Fatalf("NewFileRoster error: %v", err)
	}
	r, _ := src.Roster(context.Background())
	if got := r.UsersWithAnyRole([]string{"approver"}); !reflect.DeepEqual(got, []string{"ana"}) {
		t.Fatalf("unexpected users: %v", got)
	}

	if err := os.WriteFile(path, []byte("users:\n  ana: [approver]\n  carla: [approver]\n"), 0644); err != nil {
		t.Fatalf("rewrite roster: %v", err)
	}
	if err := src.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}
	r, _ = src.Roster(context.Background())
	if len(r) != 2 {
		t.Fatalf("expected 2 users after reload, got %d", len(r))
	}
}
