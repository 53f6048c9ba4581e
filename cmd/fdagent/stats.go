package main

import (
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:     "stats",
	Aliases: []string{"status"},
	Short:   "Show graph, index and change request statistics",
	Args:    cobra.NoArgs,
	RunE:    runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	stats, err := eng.Stats(ctx)
	if err != nil {
		return err
	}
	return printer().Stats(stats)
}
