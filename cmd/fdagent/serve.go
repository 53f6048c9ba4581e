package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/brutev/fd-agent/internal/mcp"
)

var serveRoot string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server on stdio",
	Long: `Serve fdagent's tools to an MCP client (an IDE assistant or agent) over
stdin/stdout. Logs go to the log file only.

Example client configuration:
  {"command": "fdagent", "args": ["serve", "--root", "/path/to/app"]}`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveRoot, "root", "", "repository analyzed when no path is given (default: working directory)")
}

func runServe(cmd *cobra.Command, args []string) error {
	root := serveRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		root = wd
	}

	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	return mcp.NewServer(eng, Version, root).Run(ctx)
}
