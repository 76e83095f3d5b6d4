package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MEKXH/tollgate/internal/config"
	"github.com/MEKXH/tollgate/internal/metrics"
	"github.com/MEKXH/tollgate/internal/policy"
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show Tollgate configuration status",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println(headerStyle.Render("Tollgate Status"))

	fmt.Println("Config")
	fmt.Printf("  Path:   %s\n", config.ConfigPath())
	fmt.Printf("  Status: %s\n", fileStatus(config.ConfigPath(), "run 'tollgate init'"))

	fmt.Println("\nPolicy")
	fmt.Printf("  Path:   %s\n", cfg.PolicyPath())
	if p, err := policy.Load(cfg.PolicyPath()); err != nil {
		fmt.Printf("  Status: %s\n", warnStyle.Render("invalid: "+err.Error()))
	} else {
		fmt.Printf("  Status: OK (version %s, %d rules)\n", p.Version, len(p.Rules))
	}
	fmt.Printf("  Roster: %s (%s)\n", cfg.RosterPath(), fileStatus(cfg.RosterPath(), "missing"))
	fmt.Printf("  Windows: pending %dm, high urgency %dm, escalated %dm\n",
		cfg.Escalation.PendingMinutes, cfg.Escalation.PendingHighMinutes, cfg.Escalation.EscalatedMinutes)

	fmt.Println("\nStorage")
	fmt.Printf("  Driver: %s\n", cfg.Storage.Driver)
	switch cfg.Storage.Driver {
	case "file":
		fmt.Printf("  Path:   %s\n", cfg.StoragePath())
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) != "" {
			fmt.Println("  DSN:    configured")
		} else {
			fmt.Println("  DSN:    " + warnStyle.Render("missing"))
		}
	}

	fmt.Println("\nEndpoints")
	fmt.Printf("  Gateway: %s\n", endpointLine(cfg.Gateway.Enabled, cfg.Gateway.Host, cfg.Gateway.Port))
	if cfg.Gateway.Enabled {
		if cfg.Gateway.Token != "" {
			fmt.Println("  Auth:    token configured")
		} else {
			fmt.Println("  Auth:    no token (open)")
		}
	}
	fmt.Printf("  gRPC:    %s\n", endpointLine(cfg.GRPC.Enabled, cfg.GRPC.Host, cfg.GRPC.Port))
	scheduler := "disabled"
	if cfg.Scheduler.Enabled {
		scheduler = fmt.Sprintf("every %ds", cfg.Scheduler.IntervalSeconds)
		if strings.TrimSpace(cfg.Scheduler.Cron) != "" {
			scheduler = "cron " + cfg.Scheduler.Cron
		}
	}
	fmt.Printf("  Scheduler: %s\n", scheduler)

	fmt.Println("\nNotification sinks")
	n := cfg.Notify
	fmt.Printf("  log:      %s\n", enabledLabel(n.Log))
	fmt.Printf("  audit:    %s\n", enabledLabel(n.Audit.Enabled))
	telegram := enabledLabel(n.Telegram.Enabled)
	if n.Telegram.Enabled {
		telegram += fmt.Sprintf(" (%d chats)", len(n.Telegram.ChatIDs))
	}
	fmt.Printf("  telegram: %s\n", telegram)
	nats := enabledLabel(n.NATS.Enabled)
	if n.NATS.Enabled {
		nats += " (" + n.NATS.URL + ")"
	}
	fmt.Printf("  nats:     %s\n", nats)

	fmt.Println("\nRuntime Metrics")
	snap, err := metrics.ReadRuntimeSnapshot(config.StateDir())
	if err != nil {
		fmt.Printf("  %s\n", warnStyle.Render("unreadable: "+err.Error()))
		return nil
	}
	if !snap.HasData() {
		fmt.Println("  " + dimStyle.Render("no runtime data yet"))
		return nil
	}
	fmt.Printf("  Updated:   %s\n", snap.UpdatedAt.Format("2006-01-02 15:04:05"))
	c := snap.Cases
	fmt.Printf("  Cases:     %d submitted, %d auto-cleared, %d approved, %d rejected, %d escalated, %d expired, %d unassignable\n",
		c.Submitted, c.AutoCleared, c.Approved, c.Rejected, c.Escalated, c.Expired, c.Unassignable)
	fmt.Printf("  Notify:    %d attempts, %.1f%% failed, avg %.0fms, p95~%dms\n",
		snap.Notify.Attempts, snap.Notify.FailureRatio()*100, snap.Notify.AvgLatencyMs(), snap.Notify.P95ProxyLatencyMs)
	last := "never"
	if !snap.Scheduler.LastScanAt.IsZero() {
		last = snap.Scheduler.LastScanAt.Format("2006-01-02 15:04:05")
	}
	fmt.Printf("  Scheduler: %d scans, %d failed, %d timed out, last %s\n",
		snap.Scheduler.Scans, snap.Scheduler.Failures, snap.Scheduler.TimedOut, last)
	return nil
}

func fileStatus(path, missing string) string {
	if _, err := os.Stat(path); err == nil {
		return "OK"
	}
	return "Not found (" + missing + ")"
}

func endpointLine(enabled bool, host string, port int) string {
	if !enabled {
		return "disabled"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func enabledLabel(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
