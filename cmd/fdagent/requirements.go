package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brutev/fd-agent/internal/requirements"
)

var requirementsCmd = &cobra.Command{
	Use:   "requirements",
	Short: "Manage business requirement documents",
}

var requirementsIngestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Load requirements from a text or Markdown document",
	Long: `Split a requirements document at its Markdown or numbered headings and
store one requirement per section. Lines starting with "AC:" become
acceptance criteria and lines starting with "Risk:" become risks.

Change requests pick up the acceptance criteria of related requirements
as test scenarios. Ingesting a document again replaces its sections.

Examples:
  fdagent requirements ingest docs/brd_upi.md --area payments --priority P1`,
	Args: cobra.ExactArgs(1),
	RunE: runRequirementsIngest,
}

func init() {
	requirementsIngestCmd.Flags().String("area", requirements.DefaultArea, "Feature area of every section")
	requirementsIngestCmd.Flags().String("priority", requirements.DefaultPriority, "Priority P0 to P3")
	requirementsCmd.AddCommand(requirementsIngestCmd)
}

func runRequirementsIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	area, _ := cmd.Flags().GetString("area")
	priority, _ := cmd.Flags().GetString("priority")

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	n, err := eng.IngestRequirements(ctx, args[0], requirements.Options{Priority: priority, FeatureArea: area})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printer().JSON(map[string]any{"path": args[0], "requirements": n})
	}
	fmt.Printf("✅ Ingested %d requirements from %s\n", n, args[0])
	return nil
}
