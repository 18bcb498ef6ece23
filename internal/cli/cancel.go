package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Long: `Cancel a task. The cancellation takes effect locally right away; the
remote worker stops the scheduler job when it picks up the request.
Canceling a finished task has no effect.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]

		client := NewClient(GetProxyURL())
		task, err := client.CancelTask(taskID)
		if err != nil {
			return fmt.Errorf("failed to cancel task: %w", err)
		}

		fmt.Printf("Task %s is now %s\n", task.TaskID, task.Status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
