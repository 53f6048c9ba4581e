package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brutev/fd-agent/internal/engine"
)

var (
	rebuild bool
	dryRun  bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [path]",
	Short: "Build or refresh the feature graph of a repository",
	Long: `Scan a repository for Flutter widgets, state components, routes and API
calls, FastAPI endpoints, models and services, and store them in the local
feature graph and semantic index. Re-running on an unchanged tree is a no-op.

Examples:
  # Analyze the current directory
  fdagent analyze

  # Drop the stored graph and index first
  fdagent analyze ./app --rebuild

  # Count the files a scan would read without storing anything
  fdagent analyze ./app --dry-run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().BoolVar(&rebuild, "rebuild", false, "delete the stored graph and index before scanning")
	analyzeCmd.Flags().BoolVar(&dryRun, "dry-run", false, "count the files that would be scanned and exit")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}

	if dryRun && rebuild {
		return fmt.Errorf("--dry-run and --rebuild cannot be combined")
	}
	if rebuild {
		if err := engine.Wipe(cfg); err != nil {
			return fmt.Errorf("failed to reset local data: %w", err)
		}
		logger.Info("Local graph and index removed")
	}

	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	if dryRun {
		stats, err := eng.CountFiles(root)
		if err != nil {
			return err
		}
		return printer().FileCount(stats)
	}

	fg, err := eng.Analyze(ctx, root)
	if err != nil {
		return err
	}
	return printer().Analysis(fg)
}
