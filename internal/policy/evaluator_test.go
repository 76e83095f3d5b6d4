package policy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/quick"

	"github.com/MEKXH/tollgate/internal/approval"
)

const samplePolicy = `
version: "2026-03"
high_urgency_flags: [VIP]
tiers:
  single: [approver]
  multi: [senior_approver]
escalation_roles: [treasury_admin]
rules:
  - id: medium
    min_amount: 500000
    tier: single
  - id: large-mxn
    min_amount: 4000000
    currency: mxn
    tier: multi
  - id: casino-floor
    min_amount: 500000
    venues: [casino]
    tier: multi
    urgency: high
`

func mustParse(t *testing.T, doc string) Policy {
	t.Helper()
	p, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	return p
}

func TestEvaluate_LargeAmountRequiresMulti(t *testing.T) {
	p := mustParse(t, samplePolicy)
	req := Evaluate(approval.Transaction{ID: "tx", Amount: 4_500_000, Currency: "MXN"}, p)

	if req.Tier != approval.TierMulti {
		t.Fatalf("expected %q, got %q", approval.TierMulti, req.Tier)
	}
	if req.RuleID != "large-mxn" || req.PolicyVersion != "2026-03" {
		t.Fatalf("unexpected rule/version: %+v", req)
	}
	if req.Urgency != approval.UrgencyNormal {
		t.Fatalf("expected normal urgency, got %q", req.Urgency)
	}
}

func TestEvaluate_CurrencyRestrictsRule(t *testing.T) {
	p := mustParse(t, samplePolicy)
	req := Evaluate(approval.Transaction{ID: "tx", Amount: 4_500_000, Currency: "USD"}, p)

	if req.Tier != approval.TierSingle || req.RuleID != "medium" {
		t.Fatalf("expected medium single, got %+v", req)
	}
}

func TestEvaluate_EqualThresholdKeepsDeclarationOrder(t *testing.T) {
	p := mustParse(t, samplePolicy)
	req := Evaluate(approval.Transaction{ID: "tx", Amount: 600_000, Currency: "MXN", Venue: "casino"}, p)

	if req.RuleID != "medium" {
		t.Fatalf("expected first declared rule at equal threshold, got %q", req.RuleID)
	}
}

func TestEvaluate_NoMatchIsExplicitNone(t *testing.T) {
	p := mustParse(t, samplePolicy)
	req := Evaluate(approval.Transaction{ID: "tx", Amount: 499_999, Currency: "MXN"}, p)

	if req.Tier != approval.TierNone || req.RuleID != "" || req.NeedsApproval() {
		t.Fatalf("expected explicit none, got %+v", req)
	}
}

func TestEvaluate_VIPFlagRaisesUrgency(t *testing.T) {
	p := mustParse(t, samplePolicy)
	req := Evaluate(approval.Transaction{ID: "tx", Amount: 700_000, Currency: "MXN", RiskFlags: []string{" vip "}}, p)

	if req.Urgency != approval.UrgencyHigh {
		t.Fatalf("expected high urgency, got %q", req.Urgency)
	}
}

func TestEvaluate_BelowEveryThresholdIsNone(t *testing.T) {
	p := mustParse(t, samplePolicy)
	ev := NewEvaluator(p)
	lowest := int64(500_000)

	prop := func(amount int64, venue string, vip bool) bool {
		if amount < 0 {
			amount = -amount
		}
		amount %= lowest
		tx := approval.Transaction{ID: "tx", Amount: amount, Currency: "MXN", Venue: venue}
		if vip {
			tx.RiskFlags = []string{"VIP"}
		}
		return ev.Evaluate(tx).Tier == approval.TierNone
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Fatal(err)
	}
}

func TestEvaluate_IsDeterministic(t *testing.T) {
	p := mustParse(t, samplePolicy)
	tx := approval.Transaction{ID: "tx", Amount: 5_000_000, Currency: "MXN", Venue: "casino"}
	first := Evaluate(tx, p)
	for i := 0; i < 50; i++ {
		if got := Evaluate(tx, p); got != first {
			t.Fatalf("evaluation %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestParse_ReportsEveryProblem(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - id: a
    min_amount: -5
    tier: triple
  - id: a
    min_amount: 10
    tier: multi
    urgency: urgent
`))
	var cfgErr *PolicyConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected PolicyConfigError, got %v", err)
	}

	joined := strings.Join(cfgErr.Problems, "\n")
	for _, want := range []string{"version is required", "must not be negative", "unknown tier", "duplicates", "unknown urgency", "tiers.multi"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected problem containing %q, got:\n%s", want, joined)
		}
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("version: v1\nthreshold: 10\n"))
	var cfgErr *PolicyConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected PolicyConfigError, got %v", err)
	}
}

func TestParse_RejectsEmptyDocument(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Fatal("expected error for empty document")
	}
}

func TestLoad_AttachesSourcePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("rules: []\n"), 0644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	_, err := Load(path)
	var cfgErr *PolicyConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected PolicyConfigError, got %v", err)
	}
	if cfgErr.Source != path {
		t.Fatalf("expected source %q, got %q", path, cfgErr.Source)
	}
}

func TestRolesFor_EscalatedWidensPool(t *testing.T) {
	p := mustParse(t, samplePolicy)

	if got := p.RolesFor(approval.TierSingle, false); len(got) != 1 || got[0] != "approver" {
		t.Fatalf("unexpected single roles: %v", got)
	}
	got := p.RolesFor(approval.TierMulti, true)
	if len(got) != 2 || got[0] != "senior_approver" || got[1] != "treasury_admin" {
		t.Fatalf("unexpected escalated multi roles: %v", got)
	}
}
