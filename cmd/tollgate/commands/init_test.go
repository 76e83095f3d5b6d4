package commands

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MEKXH/tollgate/internal/policy"
)

func TestInitCommand_CreatesConfigPolicyAndRoster(t *testing.T) {
	home := setupHome(t)

	out := mustExecute(t, "init")
	if !strings.Contains(out, "Tollgate initialized!") {
		t.Fatalf("unexpected init output: %s", out)
	}

	for _, name := range []string{"config.json", "policy.yaml", "roster.yaml"} {
		if _, err := os.Stat(filepath.Join(home, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
	if info, err := os.Stat(filepath.Join(home, "state")); err != nil || !info.IsDir() {
		t.Fatalf("expected state dir, err=%v", err)
	}

	p, err := policy.Load(filepath.Join(home, "policy.yaml"))
	if err != nil {
		t.Fatalf("sample policy should be valid: %v", err)
	}
	if p.Version != "2026-01" || len(p.Rules) != 3 {
		t.Fatalf("unexpected sample policy: %+v", p)
	}
}

func TestInitCommand_KeepsExistingConfig(t *testing.T) {
	home := setupHome(t)
	mustExecute(t, "init")

	custom := []byte("version: custom\n")
	policyPath := filepath.Join(home, "policy.yaml")
	if err := os.WriteFile(policyPath, custom, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	out := mustExecute(t, "init")
	if !strings.Contains(out, "Config already exists") {
		t.Fatalf("expected existing config message, got: %s", out)
	}
	raw, err := os.ReadFile(policyPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(raw) != string(custom) {
		t.Fatalf("init overwrote the policy: %q", raw)
	}
}
