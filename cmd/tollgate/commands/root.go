package commands

import (
	"github.com/spf13/cobra"

	"github.com/MEKXH/tollgate/internal/config"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tollgate",
		Short: "Tollgate - transaction approval workflow engine",
		Long: `Tollgate routes financial transactions that exceed policy thresholds
through a human approval workflow with delegation and timed escalation.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" || cmd.Name() == "version" {
				return configureLogger(config.DefaultConfig(), logLevelOverride, false)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride, cmd.Name() != "run")
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&serverAddr, "server", "", "gRPC address of a running server; submit, case list and case approve|reject go through it")

	cmd.AddCommand(
		NewInitCmd(),
		NewRunCmd(),
		NewSubmitCmd(),
		NewCaseCmd(),
		NewDelegationCmd(),
		NewPolicyCmd(),
		NewScanCmd(),
		NewAuditCmd(),
		NewStatusCmd(),
		NewVersionCmd(),
	)

	return cmd
}
