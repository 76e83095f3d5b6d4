package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MEKXH/tollgate/internal/audit"
	"github.com/MEKXH/tollgate/internal/config"
)

func NewAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the decision audit log",
		RunE:  runAudit,
	}
	cmd.Flags().String("case", "", "Only events for this case")
	cmd.Flags().String("actor", "", "Only events by this actor")
	cmd.Flags().Duration("since", 0, "Only events newer than this, for example 24h")
	cmd.Flags().Int("limit", 50, "Show at most the latest N events (0 for all)")
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func runAudit(cmd *cobra.Command, args []string) error {
	caseID, _ := cmd.Flags().GetString("case")
	actor, _ := cmd.Flags().GetString("actor")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	f := audit.Filter{CaseID: caseID, Actor: actor, Limit: limit}
	if since > 0 {
		f.Since = time.Now().Add(-since)
	}
	events, err := audit.Read(cfg.AuditPath(), f)
	if err != nil {
		return err
	}
	if asJSON {
		if events == nil {
			events = []audit.Event{}
		}
		return printJSON(events)
	}
	if len(events) == 0 {
		fmt.Println("No audit events.")
		return nil
	}
	for _, e := range events {
		line := fmt.Sprintf("%s  %-10s %-12s", e.Time.Format("2006-01-02 15:04:05"), e.Type, e.CaseID)
		if e.Action != "" {
			line += fmt.Sprintf(" %s %s→%s", e.Action, orDash(string(e.From)), e.To)
		}
		if e.Actor != "" {
			line += " by " + e.Actor
		}
		if e.Note != "" {
			line += fmt.Sprintf(" (%s)", e.Note)
		}
		fmt.Println(line)
	}
	return nil
}
