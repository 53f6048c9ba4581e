package main

import (
	"strings"

	"github.com/spf13/cobra"
)

var searchK int

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Find code entities related to a query",
	Long: `Rank widgets, endpoints, models and services of the latest analysis by
semantic similarity to the query. Falls back to keyword overlap when the
semantic index is unavailable.

Examples:
  fdagent search "mandate cancellation"
  fdagent search kyc upload -k 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchK, "top", "k", 0, "number of results (default: memory.top_k)")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	items, err := eng.Search(ctx, strings.Join(args, " "), searchK)
	if err != nil {
		return err
	}
	return printer().Search(items)
}
