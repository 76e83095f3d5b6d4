package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MEKXH/tollgate/internal/approval"
)

func NewSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <transaction-id>",
		Short: "Submit a transaction for policy evaluation",
		Long: `Evaluate a transaction against the approval policy. When approval is
required a case is opened; submitting the same transaction id again returns
the existing case.`,
		Args: cobra.ExactArgs(1),
		RunE: runSubmit,
	}
	cmd.Flags().String("amount", "", "Amount in major units, for example 45000 or 1250.50")
	cmd.Flags().String("currency", "", "ISO currency code")
	cmd.Flags().String("venue", "", "Venue or branch")
	cmd.Flags().String("user", "", "Originating user")
	cmd.Flags().StringSlice("flag", nil, "Risk flag (repeatable)")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("currency")
	return cmd
}

func runSubmit(cmd *cobra.Command, args []string) error {
	rawAmount, _ := cmd.Flags().GetString("amount")
	amount, err := parseAmount(rawAmount)
	if err != nil {
		return err
	}
	currency, _ := cmd.Flags().GetString("currency")
	venue, _ := cmd.Flags().GetString("venue")
	user, _ := cmd.Flags().GetString("user")
	flags, _ := cmd.Flags().GetStringSlice("flag")

	tx := approval.Transaction{
		ID:        strings.TrimSpace(args[0]),
		Amount:    amount,
		Currency:  currency,
		Venue:     venue,
		UserID:    user,
		RiskFlags: flags,
	}

	ctx := commandContext(cmd)
	var c *approval.Case
	r, err := dialServer()
	if err != nil {
		return err
	}
	if r != nil {
		defer r.Close()
		c, err = r.submit(ctx, tx)
	} else {
		a, openErr := loadApp(ctx)
		if openErr != nil {
			return openErr
		}
		defer a.Close()
		c, err = a.engine.SubmitTransaction(ctx, tx)
	}
	if err != nil {
		return err
	}
	if c == nil {
		fmt.Printf("Transaction %s does not require approval.\n", tx.ID)
		return nil
	}

	fmt.Printf("Case %s (%s tier, %s urgency) is %s.\n", c.ID, c.Tier, c.Urgency, c.State)
	fmt.Printf("Deadline: %s\n", c.Deadline.Format("2006-01-02 15:04:05 MST"))
	if c.Unassignable {
		fmt.Println(warnStyle.Render("Warning: no user is currently eligible to approve this case."))
	}
	return nil
}
