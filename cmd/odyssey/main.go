// Odyssey runs agent tool calls behind a permission engine and an
// execution sandbox.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "odyssey",
	Short: "Odyssey runs agent tool calls behind a permission engine and an execution sandbox.",
	Long: `Odyssey is the authorization-and-isolation core of an agent runtime.
Every tool call passes through a composable permission pipeline before it
executes inside a bounded sandbox (bubblewrap or Docker); when no isolating
backend is available the runtime refuses to degrade to unisolated execution.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "odyssey.yaml", "path to the configuration file")
	rootCmd.AddCommand(execCmd, shellCmd, doctorCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
