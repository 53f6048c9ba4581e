package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var contractsCmd = &cobra.Command{
	Use:   "contracts",
	Short: "Manage declared API contracts",
}

var contractsIngestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Load contracts from a YAML, JSON or Excel file",
	Long: `Load declared API contracts. YAML and JSON files may hold a contracts
list, an OpenAPI-style paths map, or both. Excel workbooks (.xlsx) are
read from the first sheet, one contract per row, with columns such as
method, path, service, auth, request_schema, response_schema and errors.
Contracts with the same id replace earlier ones.`,
	Args: cobra.ExactArgs(1),
	RunE: runContractsIngest,
}

func init() {
	contractsCmd.AddCommand(contractsIngestCmd)
}

func runContractsIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	n, err := eng.IngestContracts(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printer().JSON(map[string]any{"path": args[0], "contracts": n})
	}
	fmt.Printf("✅ Ingested %d contracts from %s\n", n, args[0])
	return nil
}
