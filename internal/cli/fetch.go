package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var fetchDest string

var fetchCmd = &cobra.Command{
	Use:   "fetch [task-id]",
	Short: "Fetch task results",
	Long:  `Download a finished task's result archive and unpack it locally.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]

		dest := fetchDest
		if dest == "" {
			dest = taskID
		}

		client := NewClient(GetProxyURL())
		if err := client.FetchResults(taskID, dest); err != nil {
			return fmt.Errorf("failed to fetch results: %w", err)
		}

		fmt.Printf("Results for task %s unpacked into %s\n", taskID, dest)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVarP(&fetchDest, "dest", "d", "", "destination directory (default: the task id)")
}
