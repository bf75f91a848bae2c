package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "planforge",
		Short: "PlanForge - Plan Compiler and Deployer",
		Long: `PlanForge compiles execution plans into self-contained native binaries
and deploys them to target hosts over SSH.

Features:
  - One static runner binary per target platform, plan embedded
  - Content-addressed compilation cache with single-flight builds
  - Per-host deployment state machine with verify and rollback
  - Rego policy gate for deployments
  - WASM module plugins alongside the builtin module set`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	// Add subcommands
	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newCleanupCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
