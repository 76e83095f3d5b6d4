package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/MEKXH/tollgate/internal/config"
)

const samplePolicy = `# Approval policy. Amounts are in minor currency units (cents).
version: "2026-01"
high_urgency_flags: [vip, after_hours]
tiers:
  single: [approver]
  multi: [senior_approver]
escalation_roles: [treasury_admin]
rules:
  - id: medium
    min_amount: 500000
    tier: single
  - id: large-mxn
    min_amount: 4000000
    currency: MXN
    tier: multi
  - id: flagged
    min_amount: 100000
    risk_flags: [chargeback_history]
    tier: single
    urgency: high
`

const sampleRoster = `# Users and the roles they hold.
users:
  ana: [approver]
  bruno: [approver]
  carla: [senior_approver]
  dario: [treasury_admin]
`

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize Tollgate configuration, policy and roster",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := config.ConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists: %s\n", configPath)
		return nil
	}

	cfg := config.DefaultConfig()

	dirs := []string{
		config.ConfigDir(),
		config.StateDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	files := map[string]string{
		cfg.PolicyPath(): samplePolicy,
		cfg.RosterPath(): sampleRoster,
	}
	for path, content := range files {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", path, err)
			}
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
		}
	}

	fmt.Printf("Tollgate initialized!\n")
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Policy: %s\n", cfg.PolicyPath())
	fmt.Printf("Roster: %s\n", cfg.RosterPath())
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("1. Edit %s to match your approval thresholds\n", cfg.PolicyPath())
	fmt.Printf("2. Run 'tollgate policy check' to validate it\n")
	fmt.Printf("3. Run 'tollgate run' to start the server\n")

	return nil
}
