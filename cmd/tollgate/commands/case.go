package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/engine"
)

func NewCaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "case",
		Aliases: []string{"cases"},
		Short:   "Inspect and decide approval cases",
	}

	cmd.AddCommand(
		newCaseListCmd(),
		newCaseShowCmd(),
		newCaseApproversCmd(),
		newCaseDecisionCmd("approve", engine.DecisionApprove),
		newCaseDecisionCmd("reject", engine.DecisionReject),
		newCaseCancelCmd(),
	)

	return cmd
}

func newCaseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval cases (open cases by default)",
		RunE:  runCaseList,
	}
	cmd.Flags().StringSlice("state", nil, "Filter by state (pending, escalated, approved, rejected, expired)")
	cmd.Flags().Bool("all", false, "Include closed cases")
	cmd.Flags().String("tier", "", "Filter by tier (single, multi)")
	cmd.Flags().String("venue", "", "Filter by venue")
	cmd.Flags().Bool("unassignable", false, "Only cases with no eligible approver")
	cmd.Flags().Int("limit", 0, "Maximum number of cases")
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}

func newCaseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show <case-id>",
		Aliases: []string{"history"},
		Short:   "Show a case and its decision history",
		Args:    cobra.ExactArgs(1),
		RunE:    runCaseShow,
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of rendered markdown")
	cmd.Flags().Bool("plain", false, "Print markdown without terminal styling")
	return cmd
}

func newCaseApproversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approvers <case-id>",
		Short: "List the users currently allowed to decide a case",
		Args:  cobra.ExactArgs(1),
		RunE:  runCaseApprovers,
	}
}

func newCaseDecisionCmd(use string, decision engine.Decision) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <case-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an approval case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCaseDecision(cmd, args[0], decision)
		},
	}
	cmd.Flags().String("by", "", "Decision maker")
	noteHelp := "Decision note"
	if decision == engine.DecisionReject {
		noteHelp = "Rejection reason (required)"
	}
	cmd.Flags().String("note", "", noteHelp)
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func newCaseCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <case-id>",
		Short: "Withdraw an open case; it ends rejected",
		Args:  cobra.ExactArgs(1),
		RunE:  runCaseCancel,
	}
	cmd.Flags().String("by", "", "Administrator cancelling the case")
	cmd.Flags().String("note", "", "Cancellation reason (required)")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func runCaseList(cmd *cobra.Command, args []string) error {
	states, _ := cmd.Flags().GetStringSlice("state")
	all, _ := cmd.Flags().GetBool("all")
	tierRaw, _ := cmd.Flags().GetString("tier")
	venue, _ := cmd.Flags().GetString("venue")
	unassignable, _ := cmd.Flags().GetBool("unassignable")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	q := approval.Query{Venue: venue, Unassignable: unassignable, Limit: limit}
	for _, s := range states {
		q.States = append(q.States, approval.State(strings.ToLower(strings.TrimSpace(s))))
	}
	if len(q.States) == 0 && !all {
		q.States = []approval.State{approval.StatePending, approval.StateEscalated}
	}
	if tierRaw != "" {
		tier, ok := approval.ParseTier(tierRaw)
		if !ok {
			return fmt.Errorf("unknown tier %q", tierRaw)
		}
		q.Tier = tier
	}

	ctx := commandContext(cmd)
	cases, now, err := listCases(ctx, q, all)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cases)
	}
	if len(cases) == 0 {
		fmt.Println("No matching cases.")
		return nil
	}
	fmt.Print(renderCases(cases, now))
	fmt.Println()
	return nil
}

func listCases(ctx context.Context, q approval.Query, all bool) ([]*approval.Case, time.Time, error) {
	r, err := dialServer()
	if err != nil {
		return nil, time.Time{}, err
	}
	if r != nil {
		defer r.Close()
		if all {
			return nil, time.Time{}, fmt.Errorf("--server lists open cases only; drop --all")
		}
		cases, err := r.listOpen(ctx, q)
		return cases, time.Now(), err
	}

	a, err := loadApp(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer a.Close()
	cases, err := a.engine.ListCases(ctx, q)
	return cases, a.engine.Now(), err
}

func runCaseShow(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	plain, _ := cmd.Flags().GetBool("plain")

	ctx := commandContext(cmd)
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.engine.Get(ctx, args[0])
	if err != nil {
		return err
	}
	switch {
	case asJSON:
		return printJSON(c)
	case plain:
		fmt.Print(historyMarkdown(c))
	default:
		fmt.Print(renderHistory(c))
	}
	return nil
}

func runCaseApprovers(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	users, err := a.engine.EligibleApprovers(ctx, args[0])
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Println(warnStyle.Render(fmt.Sprintf("Case %s has no eligible approver.", args[0])))
		return nil
	}
	fmt.Printf("Eligible approvers for %s:\n", args[0])
	for _, u := range users {
		fmt.Printf("  - %s\n", u)
	}
	return nil
}

func runCaseDecision(cmd *cobra.Command, id string, decision engine.Decision) error {
	by, _ := cmd.Flags().GetString("by")
	note, _ := cmd.Flags().GetString("note")
	if strings.TrimSpace(by) == "" {
		return fmt.Errorf("--by is required")
	}

	ctx := commandContext(cmd)
	var c *approval.Case
	r, err := dialServer()
	if err != nil {
		return err
	}
	if r != nil {
		defer r.Close()
		c, err = r.decide(ctx, id, strings.TrimSpace(by), decision, strings.TrimSpace(note))
	} else {
		a, openErr := loadApp(ctx)
		if openErr != nil {
			return openErr
		}
		defer a.Close()
		c, err = a.engine.Decide(ctx, id, strings.TrimSpace(by), decision, strings.TrimSpace(note))
	}
	if err != nil {
		return err
	}
	fmt.Printf("Case %s %s.\n", c.ID, c.State)
	return nil
}

func runCaseCancel(cmd *cobra.Command, args []string) error {
	by, _ := cmd.Flags().GetString("by")
	note, _ := cmd.Flags().GetString("note")

	ctx := commandContext(cmd)
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.engine.Cancel(ctx, args[0], strings.TrimSpace(by), strings.TrimSpace(note))
	if err != nil {
		return err
	}
	fmt.Printf("Case %s cancelled (%s).\n", c.ID, c.State)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
