// Command proctorctl bundles the operator and developer tools of the
// proctoring service: minting local tokens, seeding quizzes and running the
// reference client monitor.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "proctorctl",
	Short:        "Tools for the ExStem proctoring service",
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(tokenCmd, seedCmd, watchCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
