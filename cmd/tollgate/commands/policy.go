package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/config"
	"github.com/MEKXH/tollgate/internal/policy"
)

func NewPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate and try out the approval policy",
	}

	cmd.AddCommand(
		newPolicyCheckCmd(),
		newPolicyEvaluateCmd(),
	)

	return cmd
}

func newPolicyCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [path]",
		Short: "Validate a policy document (default: configured policy)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPolicyCheck,
	}
	return cmd
}

func newPolicyEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Show which tier a transaction would require",
		RunE:  runPolicyEvaluate,
	}
	cmd.Flags().String("amount", "", "Amount in major units")
	cmd.Flags().String("currency", "", "ISO currency code")
	cmd.Flags().String("venue", "", "Venue or branch")
	cmd.Flags().StringSlice("flag", nil, "Risk flag (repeatable)")
	cmd.Flags().String("file", "", "Policy document (default: configured policy)")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("currency")
	return cmd
}

func loadPolicy(path string) (policy.Policy, string, error) {
	if strings.TrimSpace(path) == "" {
		cfg, err := config.Load()
		if err != nil {
			return policy.Policy{}, "", fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.PolicyPath()
	}
	p, err := policy.Load(path)
	return p, path, err
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	}
	p, path, err := loadPolicy(path)
	if err != nil {
		return err
	}

	fmt.Printf("Policy %s is valid.\n", path)
	fmt.Printf("  Version: %s\n", p.Version)
	fmt.Printf("  Single tier roles: %s\n", orDash(strings.Join(p.Tiers.Single, ", ")))
	fmt.Printf("  Multi tier roles: %s\n", orDash(strings.Join(p.Tiers.Multi, ", ")))
	fmt.Printf("  Escalation roles: %s\n", orDash(strings.Join(p.EscalationRoles, ", ")))
	if len(p.HighUrgencyFlags) > 0 {
		fmt.Printf("  High urgency flags: %s\n", strings.Join(p.HighUrgencyFlags, ", "))
	}

	rules := append([]policy.Rule(nil), p.Rules...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].MinAmount > rules[j].MinAmount })
	fmt.Printf("  Rules (%d, most restrictive first):\n", len(rules))
	for _, r := range rules {
		var scope []string
		if r.Currency != "" {
			scope = append(scope, "currency="+r.Currency)
		}
		if len(r.Venues) > 0 {
			scope = append(scope, "venues="+strings.Join(r.Venues, ","))
		}
		if len(r.RiskFlags) > 0 {
			scope = append(scope, "flags="+strings.Join(r.RiskFlags, ","))
		}
		fmt.Printf("    - %s: >= %s -> %s", r.ID, formatAmount(r.MinAmount, ""), r.Tier)
		if len(scope) > 0 {
			fmt.Printf(" [%s]", strings.Join(scope, " "))
		}
		fmt.Println()
	}
	return nil
}

func runPolicyEvaluate(cmd *cobra.Command, args []string) error {
	rawAmount, _ := cmd.Flags().GetString("amount")
	amount, err := parseAmount(rawAmount)
	if err != nil {
		return err
	}
	currency, _ := cmd.Flags().GetString("currency")
	venue, _ := cmd.Flags().GetString("venue")
	flags, _ := cmd.Flags().GetStringSlice("flag")
	file, _ := cmd.Flags().GetString("file")

	p, _, err := loadPolicy(file)
	if err != nil {
		return err
	}

	tx := approval.Transaction{
		ID:        "evaluate",
		Amount:    amount,
		Currency:  strings.ToUpper(strings.TrimSpace(currency)),
		Venue:     venue,
		RiskFlags: flags,
	}
	req := policy.Evaluate(tx, p)
	if !req.NeedsApproval() {
		fmt.Printf("%s: no approval required (policy %s).\n", formatAmount(amount, tx.Currency), req.PolicyVersion)
		return nil
	}
	fmt.Printf("%s: %s tier approval, %s urgency (rule %s, policy %s).\n",
		formatAmount(amount, tx.Currency), req.Tier, req.Urgency, req.RuleID, req.PolicyVersion)
	fmt.Printf("Roles: %s\n", strings.Join(p.RolesFor(req.Tier, false), ", "))
	return nil
}
