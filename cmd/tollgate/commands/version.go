package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/MEKXH/tollgate/internal/version"
)

func NewVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if short, _ := cmd.Flags().GetBool("short"); short {
				fmt.Println(version.Version)
				return nil
			}
			fmt.Printf("%s %s/%s\n", version.String(), runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
	cmd.Flags().Bool("short", false, "Print only the release")
	return cmd
}
