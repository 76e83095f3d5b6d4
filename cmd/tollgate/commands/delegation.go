package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/delegation"
	"github.com/MEKXH/tollgate/internal/engine"
)

func NewDelegationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delegation",
		Aliases: []string{"delegations"},
		Short:   "Manage temporary delegations of approval authority",
	}

	cmd.AddCommand(
		newDelegationCreateCmd(),
		newDelegationRevokeCmd(),
		newDelegationListCmd(),
	)

	return cmd
}

func newDelegationCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Delegate a user's approval authority for a time window",
		RunE:  runDelegationCreate,
	}
	cmd.Flags().String("from", "", "Grantor (the user delegating authority)")
	cmd.Flags().String("to", "", "Grantee (the user receiving authority)")
	cmd.Flags().StringSlice("tier", []string{"single"}, "Tier in scope (repeatable)")
	cmd.Flags().StringSlice("venue", nil, "Venue in scope (repeatable, empty means all)")
	cmd.Flags().String("start", "", "Window start, RFC3339 (default now)")
	cmd.Flags().String("end", "", "Window end, RFC3339")
	cmd.Flags().Duration("for", 0, "Window length from start, for example 8h (alternative to --end)")
	cmd.Flags().String("reason", "", "Why the delegation exists")
	cmd.Flags().String("by", "", "Administrator recording the delegation (default grantor)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newDelegationRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <delegation-id>",
		Short: "Revoke a delegation immediately",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelegationRevoke,
	}
	cmd.Flags().String("by", "", "User revoking the delegation")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func newDelegationListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List delegations",
		RunE:  runDelegationList,
	}
	cmd.Flags().String("user", "", "Only delegations where the user is grantor or grantee")
	cmd.Flags().Bool("live", false, "Hide revoked and expired delegations")
	return cmd
}

func runDelegationCreate(cmd *cobra.Command, args []string) error {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	tierNames, _ := cmd.Flags().GetStringSlice("tier")
	venues, _ := cmd.Flags().GetStringSlice("venue")
	startRaw, _ := cmd.Flags().GetString("start")
	endRaw, _ := cmd.Flags().GetString("end")
	length, _ := cmd.Flags().GetDuration("for")
	reason, _ := cmd.Flags().GetString("reason")
	by, _ := cmd.Flags().GetString("by")

	tiers := make([]approval.Tier, 0, len(tierNames))
	for _, name := range tierNames {
		tier, ok := approval.ParseTier(name)
		if !ok {
			return fmt.Errorf("unknown tier %q", name)
		}
		tiers = append(tiers, tier)
	}

	ctx := commandContext(cmd)
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	start := a.engine.Now()
	if strings.TrimSpace(startRaw) != "" {
		if start, err = time.Parse(time.RFC3339, strings.TrimSpace(startRaw)); err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
	}
	var end time.Time
	switch {
	case strings.TrimSpace(endRaw) != "":
		if end, err = time.Parse(time.RFC3339, strings.TrimSpace(endRaw)); err != nil {
			return fmt.Errorf("invalid --end: %w", err)
		}
	case length > 0:
		end = start.Add(length)
	default:
		return fmt.Errorf("either --end or --for is required")
	}
	if strings.TrimSpace(by) == "" {
		by = from
	}

	d, err := a.engine.CreateDelegation(ctx, engine.DelegationInput{
		Grantor:   from,
		Grantee:   to,
		Tiers:     tiers,
		Venues:    venues,
		Start:     start,
		End:       end,
		Reason:    reason,
		CreatedBy: by,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Delegation %s created: %s → %s until %s (%s).\n",
		d.ID, d.Grantor, d.Grantee, d.Window.End.Format(time.RFC3339), d.Status(a.engine.Now()))
	return nil
}

func runDelegationRevoke(cmd *cobra.Command, args []string) error {
	by, _ := cmd.Flags().GetString("by")

	ctx := commandContext(cmd)
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.engine.RevokeDelegation(ctx, args[0], by)
	if err != nil {
		return err
	}
	fmt.Printf("Delegation %s revoked.\n", d.ID)
	return nil
}

func runDelegationList(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	live, _ := cmd.Flags().GetBool("live")

	ctx := commandContext(cmd)
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	now := a.engine.Now()
	q := delegation.Query{Includes: user}
	if live {
		q.LiveAt = now
	}
	list, err := a.engine.ListDelegations(ctx, q)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No delegations.")
		return nil
	}
	fmt.Print(renderDelegations(list, now))
	fmt.Println()
	return nil
}
