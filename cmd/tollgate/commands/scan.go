package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MEKXH/tollgate/internal/escalation"
)

func NewScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one escalation scan now",
		Long: `Time out every open case past its deadline: pending cases escalate and
escalated cases expire. Running it repeatedly is harmless.`,
		RunE: runScan,
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	scanCfg := escalation.DefaultConfig()
	scanCfg.Now = a.engine.Now
	s, err := escalation.New(a.engine, scanCfg, a.metrics)
	if err != nil {
		return err
	}
	res, err := s.ScanOnce(ctx)
	if err != nil {
		return fmt.Errorf("scan finished with errors: %w", err)
	}
	fmt.Printf("Scan at %s: %d due, %d escalated, %d expired, %d skipped, %d still open.\n",
		res.At.Format("2006-01-02 15:04:05 MST"), res.Due, res.Escalated, res.Expired, res.Skipped, res.Open)
	return nil
}
