package main

import (
	"github.com/spf13/cobra"

	"github.com/rumor-ml/commons.systems/finimport/internal/config"
	"github.com/rumor-ml/commons.systems/finimport/internal/logger"
	"github.com/rumor-ml/commons.systems/finimport/internal/ui"
)

const version = "0.2.0"

// globals holds the persistent flags and the configuration they resolve to.
type globals struct {
	configPath string
	verbose    bool
	logFormat  string

	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "finimport",
		Short: "Import bank and credit card statements (CSV, OFX, QIF)",
		Long: `finimport validates, parses and normalizes statement exports, applies
import rules and flags transactions that were already imported.

Examples:
  # Preview an OFX export without saving anything
  finimport import --dry-run ~/Downloads/checking.ofx

  # Import a statements tree, tracking keys in a state file
  finimport import --store state --store-path state.json --output report.json ~/statements

  # Serve the upload API with keys in SQLite
  finimport serve --store sqlite --store-path keys.db

  # CSV needs a column mapping
  finimport import --account acc-chase-1234 --mapping-date Date --mapping-amount Amount export.csv`,
		Version: version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.setup(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format: console or json (overrides config)")

	rootCmd.AddCommand(
		newImportCommand(g),
		newCountCommand(g),
		newValidateCommand(g),
		newRulesCommand(g),
		newServeCommand(g),
	)

	return rootCmd
}

// setup loads configuration, applies flag overrides and installs the logger
// in the command context.
func (g *globals) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if g.verbose {
		cfg.Log.Level = "debug"
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.cfg = cfg

	ui.Out = cmd.ErrOrStderr()
	log := logger.NewWithOptions(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	cmd.SetContext(logger.WithContext(cmd.Context(), log))
	return nil
}

