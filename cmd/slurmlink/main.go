package main

import (
	"os"

	"github.com/slurmlink/slurmlink/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
