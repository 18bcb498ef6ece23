package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	psTaskID string
	psStatus string
	psAll    bool
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List tasks",
	Long:  `List your tasks or get details of a specific task.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(GetProxyURL())

		if psTaskID != "" {
			task, err := client.GetTask(psTaskID)
			if err != nil {
				return fmt.Errorf("failed to get task: %w", err)
			}

			fmt.Println("Task Details:")
			fmt.Printf("  ID:          %s\n", task.TaskID)
			if task.Name != "" {
				fmt.Printf("  Name:        %s\n", task.Name)
			}
			fmt.Printf("  Owner:       %s\n", task.Owner)
			fmt.Printf("  Status:      %s\n", task.Status)
			if task.SchedulerJob != "" {
				fmt.Printf("  Job:         %s\n", task.SchedulerJob)
			}
			fmt.Printf("  Created:     %s\n", task.CreatedAt.Format(time.RFC3339))
			if task.StartedAt != nil {
				fmt.Printf("  Started:     %s\n", task.StartedAt.Format(time.RFC3339))
			}
			if task.CompletedAt != nil {
				fmt.Printf("  Completed:   %s\n", task.CompletedAt.Format(time.RFC3339))
			}
			if task.ExitCode != nil {
				fmt.Printf("  Exit code:   %d\n", *task.ExitCode)
			}
			if task.Usage.CPUSeconds > 0 || task.Usage.GPUSeconds > 0 {
				fmt.Printf("  Usage:       %.0f CPU-s, %.0f GPU-s\n", task.Usage.CPUSeconds, task.Usage.GPUSeconds)
			}
			if task.ResultKey != "" {
				fmt.Printf("  Results:     %s\n", task.ResultKey)
			}
			if task.Error != "" {
				fmt.Printf("  Error:       %s\n", task.Error)
			}

			if IsVerbose() {
				fmt.Println("\nFingerprints:")
				for class, hashes := range task.Fingerprints.All() {
					for _, h := range hashes {
						fmt.Printf("  %s: %s\n", class, h)
					}
				}
			}

			return nil
		}

		owner := GetOwner()
		if psAll {
			owner = ""
		}

		tasks, err := client.ListTasks(owner, psStatus)
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprintf(w, "ID\tNAME\tOWNER\tSTATUS\tJOB\tCREATED\n")

		for _, task := range tasks {
			name := task.Name
			if name == "" {
				name = "-"
			}
			job := task.SchedulerJob
			if job == "" {
				job = "-"
			}

			_, _ = fmt.Fprintf(
				w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				task.TaskID,
				name,
				task.Owner,
				task.Status,
				job,
				formatDuration(time.Since(task.CreatedAt))+" ago",
			)
		}

		return w.Flush()
	},
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func init() {
	rootCmd.AddCommand(psCmd)

	psCmd.Flags().StringVarP(&psTaskID, "task", "t", "", "show details for a specific task")
	psCmd.Flags().StringVarP(&psStatus, "status", "s", "", "filter by status")
	psCmd.Flags().BoolVarP(&psAll, "all", "a", false, "show tasks from all owners")
}
