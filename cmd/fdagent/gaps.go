package main

import (
	"github.com/spf13/cobra"
)

var gapContracts string

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Report gaps between API contracts, endpoints and client calls",
	Long: `Compare declared contracts, backend endpoints and frontend client calls
from the latest analysis and list what does not line up: contracts without
a backend, calls without an endpoint, endpoints nobody uses and near-miss
paths.

Examples:
  fdagent gaps
  fdagent gaps --contracts api/contracts.yaml --json`,
	Args: cobra.NoArgs,
	RunE: runGaps,
}

func init() {
	gapsCmd.Flags().StringVar(&gapContracts, "contracts", "", "ingest this contracts file before reporting")
}

func runGaps(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	if gapContracts != "" {
		if _, err := eng.IngestContracts(ctx, gapContracts); err != nil {
			return err
		}
	}

	entries, err := eng.GapReport(ctx)
	if err != nil {
		return err
	}
	return printer().Gaps(entries)
}
