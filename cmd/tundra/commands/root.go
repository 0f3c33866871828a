package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	dataDir    string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tundra",
		Short: "OpenTundra - Declarative EKS Platform Orchestrator",
		Long: `OpenTundra provisions and manages AWS EKS platforms declaratively.

A stack file describes VPCs, clusters, node groups, registries, buckets and
cluster add-ons; OpenTundra computes the dependency graph, plans the minimal
set of changes and applies them in dependency order.

Features:
  - Typed configs via CUE, procedural snippets via Starlark
  - Dependency-ordered planning with create/update/recreate/delete diffs
  - Level-parallel execution with classified retries
  - SQLite-backed state with locking, runs and event timelines
  - Drift detection against live AWS state
  - Policy enforcement via OPA/Rego`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".", "stack config file or directory")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", ".tundra", "workspace data directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newBackendCommand())
	rootCmd.AddCommand(newVarsCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}
