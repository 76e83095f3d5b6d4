package commands

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/MEKXH/tollgate/internal/config"
	"github.com/MEKXH/tollgate/internal/delegation"
	"github.com/MEKXH/tollgate/internal/engine"
	"github.com/MEKXH/tollgate/internal/policy"
	"github.com/MEKXH/tollgate/internal/rpc"
	"github.com/MEKXH/tollgate/internal/store"
)

// startRemote serves an in-memory engine over gRPC on a loopback port.
func startRemote(t *testing.T) string {
	t.Helper()
	eng, err := engine.New(engine.Options{
		Repository: store.NewMemory(),
		Policy: policy.Policy{
			Version:         "v1",
			Tiers:           policy.Tiers{Single: []string{"approver"}, Multi: []string{"senior_approver"}},
			EscalationRoles: []string{"treasury_admin"},
			Rules: []policy.Rule{
				{ID: "large-mxn", MinAmount: 4_000_000, Currency: "MXN", Tier: "multi"},
			},
		},
		Roster: delegation.StaticRoster{"carla": {"senior_approver"}, "teller": {"cashier"}},
	})
	if err != nil {
		t.Fatalf("engine.New error: %v", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := rpc.New(config.GRPCConfig{}, eng)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return lis.Addr().String()
}

func TestServerFlag_RoutesCaseCommandsThroughRunningServer(t *testing.T) {
	setupHome(t)
	addr := startRemote(t)

	out := mustExecute(t, "--server", addr, "submit", "tx-remote", "--amount", "45000", "--currency", "MXN", "--user", "teller")
	m := caseIDRe.FindStringSubmatch(out)
	if m == nil || !strings.Contains(out, "multi tier") {
		t.Fatalf("unexpected submit output: %s", out)
	}
	id := m[1]

	small := mustExecute(t, "--server", addr, "submit", "tx-small", "--amount", "10", "--currency", "MXN")
	if !strings.Contains(small, "does not require approval") {
		t.Fatalf("unexpected submit output: %s", small)
	}

	list := mustExecute(t, "--server", addr, "case", "list")
	if !strings.Contains(list, "tx-remote") {
		t.Fatalf("expected tx-remote in remote listing, got: %s", list)
	}
	if _, err := execute(t, "--server", addr, "case", "list", "--all"); err == nil {
		t.Fatal("expected --all to be refused over --server")
	}

	if _, err := execute(t, "--server", addr, "case", "approve", id, "--by", "teller"); err == nil {
		t.Fatal("expected the originating user to be refused")
	}
	approved := mustExecute(t, "--server", addr, "case", "approve", id, "--by", "carla")
	if !strings.Contains(approved, "Case "+id+" approved.") {
		t.Fatalf("unexpected approve output: %s", approved)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load error: %v", err)
	}
	if _, err := os.Stat(cfg.StoragePath()); !os.IsNotExist(err) {
		t.Fatalf("expected no local case store at %s, stat err %v", cfg.StoragePath(), err)
	}
}
