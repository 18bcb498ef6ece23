package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	submitName      string
	submitProject   string
	submitWorkdir   string
	submitIgnore    []string
	submitResults   []string
	submitEnvDir    string
	submitDatasets  []string
	submitPackages  []string
	submitGPUs      int
	submitCPUs      int
	submitMemory    string
	submitTimeLimit string
	submitPartition string
)

var submitCmd = &cobra.Command{
	Use:   "submit [command...]",
	Short: "Submit a new task",
	Long: `Submit a task to the remote cluster. The project directory and any
environment, dataset, or package directories are hashed and uploaded
through the content-addressed cache; unchanged payloads are never
uploaded twice.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		datasets, err := parseNamedDirs(submitDatasets)
		if err != nil {
			return fmt.Errorf("invalid --dataset: %w", err)
		}
		packages, err := parseNamedDirs(submitPackages)
		if err != nil {
			return fmt.Errorf("invalid --package: %w", err)
		}

		payload := map[string]interface{}{
			"owner": GetOwner(),
			"name":  submitName,
			"run": map[string]interface{}{
				"workdir":  submitWorkdir,
				"commands": args,
			},
			"files": map[string]interface{}{
				"upload":      submitProject,
				"ignore":      submitIgnore,
				"resultPaths": submitResults,
			},
			"resources": map[string]interface{}{
				"gpus":      submitGPUs,
				"cpus":      submitCPUs,
				"memory":    submitMemory,
				"timeLimit": submitTimeLimit,
				"partition": submitPartition,
			},
			"envDir":   submitEnvDir,
			"datasets": datasets,
			"packages": packages,
		}

		client := NewClient(GetProxyURL())
		task, err := client.SubmitTask(payload)
		if err != nil {
			return fmt.Errorf("failed to submit task: %w", err)
		}

		fmt.Println("Task submitted successfully:")
		fmt.Printf("  ID:     %s\n", task.TaskID)
		if task.Name != "" {
			fmt.Printf("  Name:   %s\n", task.Name)
		}
		fmt.Printf("  Owner:  %s\n", task.Owner)
		fmt.Printf("  Status: %s\n", task.Status)

		if IsVerbose() {
			fmt.Println("\nFingerprints:")
			for class, hashes := range task.Fingerprints.All() {
				for _, h := range hashes {
					fmt.Printf("  %s: %s\n", class, h)
				}
			}
		}

		return nil
	},
}

// parseNamedDirs parses repeated NAME=DIR flags.
func parseNamedDirs(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		name, dir, ok := strings.Cut(v, "=")
		if !ok || name == "" || dir == "" {
			return nil, fmt.Errorf("expected NAME=DIR, got %q", v)
		}
		out[name] = dir
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitName, "name", "n", "", "task name")
	submitCmd.Flags().StringVarP(&submitProject, "project", "p", "", "project directory to upload (required)")
	submitCmd.Flags().StringVarP(&submitWorkdir, "workdir", "w", "", "working directory relative to the project root")
	submitCmd.Flags().StringArrayVar(&submitIgnore, "ignore", []string{}, "glob patterns to skip during upload")
	submitCmd.Flags().StringArrayVar(&submitResults, "results", []string{}, "paths to collect as results, relative to the workdir")
	submitCmd.Flags().StringVar(&submitEnvDir, "env-dir", "", "environment directory to upload")
	submitCmd.Flags().StringArrayVar(&submitDatasets, "dataset", []string{}, "dataset directories (NAME=DIR)")
	submitCmd.Flags().StringArrayVar(&submitPackages, "package", []string{}, "package directories (NAME=DIR)")
	submitCmd.Flags().IntVar(&submitGPUs, "gpus", 0, "number of GPUs")
	submitCmd.Flags().IntVar(&submitCPUs, "cpus", 1, "number of CPUs")
	submitCmd.Flags().StringVar(&submitMemory, "memory", "", "memory request (e.g. 16G)")
	submitCmd.Flags().StringVar(&submitTimeLimit, "time", "", "time limit (e.g. 04:00:00)")
	submitCmd.Flags().StringVar(&submitPartition, "partition", "", "scheduler partition")
	_ = submitCmd.MarkFlagRequired("project")
}
