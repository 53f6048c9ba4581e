package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brutev/fd-agent/internal/engine"
	"github.com/brutev/fd-agent/internal/errors"
)

var (
	revisePattern string
	reviseText    string
	listPattern   string
	listLimit     int
)

var crCmd = &cobra.Command{
	Use:   "cr [requirement]",
	Short: "Plan a change request",
	Long: `Classify a plain-language change request against the known patterns,
retrieve related code from the latest analysis, check API gaps and print an
implementation plan. Every plan is stored and can be revised later.

Examples:
  fdagent cr "Add UPI AutoPay mandate feature for recurring payments"
  fdagent cr revise 3f2a9c1e-... --pattern kyc_enhancement
  fdagent cr list --pattern upi_autopay`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCR,
}

var crReviseCmd = &cobra.Command{
	Use:   "revise [id]",
	Short: "Re-plan a stored change request",
	Args:  cobra.ExactArgs(1),
	RunE:  runCRRevise,
}

var crShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a stored change request",
	Args:  cobra.ExactArgs(1),
	RunE:  runCRShow,
}

var crListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored change requests",
	Args:  cobra.NoArgs,
	RunE:  runCRList,
}

func init() {
	crCmd.AddCommand(crReviseCmd)
	crCmd.AddCommand(crShowCmd)
	crCmd.AddCommand(crListCmd)

	crReviseCmd.Flags().StringVar(&revisePattern, "pattern", "", "force this pattern instead of classifying again")
	crReviseCmd.Flags().StringVar(&reviseText, "text", "", "replacement requirement text")
	crListCmd.Flags().StringVar(&listPattern, "pattern", "", "only show requests with this pattern")
	crListCmd.Flags().IntVar(&listLimit, "limit", 0, "show at most this many requests")
}

func runCR(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	rec, err := eng.HandleChangeRequest(ctx, strings.Join(args, " "))
	if err != nil {
		return explainCRError(err)
	}
	return printer().ChangeRequest(rec)
}

func runCRRevise(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	if revisePattern != "" {
		if _, ok := eng.Patterns().Get(revisePattern); !ok {
			return fmt.Errorf("unknown pattern %q (known: %s)", revisePattern, strings.Join(eng.Patterns().Names(), ", "))
		}
	}

	rec, err := eng.ReviseChangeRequest(ctx, args[0], engine.ReviseOptions{Pattern: revisePattern, Text: reviseText})
	if err != nil {
		return explainCRError(err)
	}
	return printer().ChangeRequest(rec)
}

func runCRShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	rec, err := eng.GetChangeRequest(ctx, args[0])
	if err != nil {
		return err
	}
	return printer().ChangeRequest(rec)
}

func runCRList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	recs, err := eng.ListChangeRequests(ctx, listPattern, listLimit)
	if err != nil {
		return err
	}
	return printer().ChangeRequests(recs)
}

func explainCRError(err error) error {
	if errors.IsUnclassifiable(err) {
		return fmt.Errorf(`%w

The request is empty. Describe the feature in plain language, for example:
  fdagent cr "Add biometric login with fingerprint"`, err)
	}
	return err
}
