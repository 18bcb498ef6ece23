package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the owner name used for submitted tasks",
	Long: `Show the owner name attached to submitted tasks. The owner comes from
the --owner flag, then SLURMLINK_OWNER, then $USER.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := GetOwner()
		if name == "" {
			name = "unknown"
		}
		fmt.Printf("Current user: %s\n", name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}
