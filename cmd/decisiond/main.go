// Decisiond is an adaptive decision daemon: it recommends actions for
// observed contexts, learns rules from outcome history, and persists its
// state between runs.
//
// Usage:
//
//	# Run the decision loop over stdin/stdout
//	decisiond serve
//
//	# Inspect the persisted rule set
//	decisiond rules list
//
// Configuration is loaded from ~/.config/decisiond/config.yaml, overridden
// by DECISIOND_* environment variables. See internal/config for the schema.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "decisiond",
	Short: "Adaptive decision loop daemon",
	Long: `decisiond recommends actions for observed contexts by combining a
symbolic rule store with vector similarity over remembered knowledge, and
synthesizes new rules from recurring outcome patterns.`,
	Version: version + " (" + gitCommit + ")",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/decisiond/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rulesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
