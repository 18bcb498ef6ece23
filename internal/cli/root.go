// Package cli implements the slurmlink command line client.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	proxyURL string
	owner    string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "slurmlink",
	Short: "Slurmlink - submit and track SLURM tasks through a shared object store",
	Long: `Slurmlink submits compute tasks from a local machine to a remote SLURM
cluster without a direct network path between them. A local proxy and a
remote worker coordinate exclusively through a shared object store, and
task payloads are deduplicated through a content-addressed cache.`,
	Version: "0.1.0",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&proxyURL, "proxy", "http://localhost:8080", "proxy API URL")
	rootCmd.PersistentFlags().StringVar(&owner, "owner", "", "task owner (default $USER)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func initConfig() {
	if envProxy := os.Getenv("SLURMLINK_PROXY_URL"); envProxy != "" && proxyURL == "http://localhost:8080" {
		proxyURL = envProxy
	}
	if owner == "" {
		if envOwner := os.Getenv("SLURMLINK_OWNER"); envOwner != "" {
			owner = envOwner
		} else {
			owner = os.Getenv("USER")
		}
	}
}

// GetProxyURL returns the configured proxy URL.
func GetProxyURL() string {
	return proxyURL
}

// GetOwner returns the configured task owner.
func GetOwner() string {
	return owner
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}
