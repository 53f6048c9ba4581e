package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brutev/fd-agent/internal/config"
	"github.com/brutev/fd-agent/internal/engine"
	"github.com/brutev/fd-agent/internal/logging"
	"github.com/brutev/fd-agent/internal/output"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	cfgFile    string
	verbose    bool
	jsonOutput bool
	logger     *logrus.Logger
	cfg        *config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logging.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fdagent",
	Short: "fdagent - feature development agent for Flutter and FastAPI codebases",
	Long: `fdagent builds a feature graph of a Flutter/FastAPI/TypeScript repository,
finds gaps between API contracts and code, and turns plain-language change
requests into implementation plans.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.WarnLevel)
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			logger.WithError(err).Warn("Failed to load config, using defaults")
			cfg = config.Default()
		}
		if result := cfg.Validate(); result.HasErrors() {
			return result
		}

		return initLogging(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .fdagent/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.SetVersionTemplate(`fdagent {{.Version}}
Build time: ` + BuildTime + `
Git commit: ` + GitCommit + `
`)

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(gapsCmd)
	rootCmd.AddCommand(crCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(contractsCmd)
	rootCmd.AddCommand(requirementsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
}

// initLogging routes component logs to a rotating file. The MCP server owns
// stdout, so serve never mirrors logs to the terminal.
func initLogging(cmd *cobra.Command) error {
	debug := verbose || logging.ParseLevel(cfg.Logging.Level) == logging.DEBUG
	lc := logging.DefaultConfig(cfg.Logging.Dir, debug)
	if !verbose {
		lc.Level = logging.ParseLevel(cfg.Logging.Level)
	}
	if cfg.Logging.JSON {
		lc.JSONFormat = true
	}
	lc.Quiet = !verbose || cmd.Name() == serveCmd.Name()
	return logging.Initialize(lc)
}

// openEngine builds the engine from the loaded configuration. Callers close it.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	return engine.New(ctx, cfg, logger)
}

func printer() *output.Printer {
	return output.NewPrinter(os.Stdout, output.ParseFormat(jsonOutput))
}
