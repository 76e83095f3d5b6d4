package commands

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/config"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"45000", 4500000, false},
		{"1250.5", 125050, false},
		{"1,250.55", 125055, false},
		{" 0.07 ", 7, false},
		{"", 0, true},
		{"12.345", 0, true},
		{"12.", 0, true},
		{"-5", 0, true},
		{"12abc", 0, true},
	}
	for _, tt := range tests {
		got, err := parseAmount(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseAmount(%q): expected error, got %d", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseAmount(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("parseAmount(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	if got := formatAmount(4500000, "MXN"); got != "45000.00 MXN" {
		t.Fatalf("formatAmount = %q", got)
	}
	if got := formatAmount(-105, ""); got != "-1.05" {
		t.Fatalf("formatAmount = %q", got)
	}
}

func TestHistoryMarkdown(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := &approval.Case{
		ID:          "case-1",
		Transaction: approval.Transaction{ID: "tx-1", Amount: 600000, Currency: "USD", Venue: "cdmx"},
		Tier:        approval.TierSingle,
		Urgency:     approval.UrgencyNormal,
		RuleID:      "medium",
		State:       approval.StateRejected,
		History: []approval.HistoryEntry{
			{Seq: 1, Actor: "system", Action: approval.ActionSubmit, To: approval.StatePending, At: t0},
			{Seq: 2, Actor: "ana", Action: approval.ActionReject, From: approval.StatePending, To: approval.StateRejected, Note: "a|b", At: t0.Add(time.Minute)},
		},
	}

	md := historyMarkdown(c)
	for _, want := range []string{
		"# Case case-1",
		"- **Amount:** 6000.00 USD",
		"- **Venue:** cdmx",
		"| 1 | 2026-03-01 09:00:00 | system | submit | · → pending |  |",
		"| 2 | 2026-03-01 09:01:00 | ana | reject | pending → rejected | a\\|b |",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("expected %q in markdown:\n%s", want, md)
		}
	}
	if strings.Contains(md, "Deadline") {
		t.Fatalf("closed case should not show a deadline:\n%s", md)
	}
}

func TestDeadlineLabel(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := &approval.Case{State: approval.StatePending, Deadline: now.Add(90 * time.Second)}
	if got := deadlineLabel(c, now); got != "in 1m30s" {
		t.Fatalf("deadlineLabel = %q", got)
	}
	c.Deadline = now.Add(-time.Second)
	if got := deadlineLabel(c, now); got != "overdue" {
		t.Fatalf("deadlineLabel = %q", got)
	}
	c.State = approval.StateApproved
	if got := deadlineLabel(c, now); got != "-" {
		t.Fatalf("deadlineLabel = %q", got)
	}
}

func TestRenderCases_FlagsUnassignable(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cases := []*approval.Case{{
		ID:           "case-1",
		Transaction:  approval.Transaction{ID: "tx-1", Amount: 100, Currency: "USD"},
		Tier:         approval.TierMulti,
		State:        approval.StatePending,
		Deadline:     now.Add(time.Hour),
		Unassignable: true,
	}}
	out := stripANSI(renderCases(cases, now))
	if !strings.Contains(out, "pending !") || !strings.Contains(out, "no eligible approver") {
		t.Fatalf("expected unassignable marker, got:\n%s", out)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		raw     string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{" warning ", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseLogLevel(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("parseLogLevel(%q) = %v, %v; want %v", tt.raw, got, err, tt.want)
		}
	}
}

func TestConfigureLogger_WritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Log.File = filepath.Join(dir, "logs", "tollgate.log")
	cfg.Log.Format = "json"
	if err := configureLogger(cfg, "debug", true); err != nil {
		t.Fatalf("configureLogger error: %v", err)
	}
	t.Cleanup(func() { _ = configureLogger(config.DefaultConfig(), "", true) })

	slog.Debug("scan finished", "due", 2)
	raw, err := os.ReadFile(cfg.Log.File)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(raw), `"msg":"scan finished"`) || !strings.Contains(string(raw), `"service":"tollgate"`) {
		t.Fatalf("unexpected log contents: %s", raw)
	}
}
