package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/firefart/dmarcanalyzer/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Database   string
	Debug      bool
	Format     string // "json" | "text"

	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the dmarcanalyzer CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dmarcanalyzer",
		Short: "Collect and analyze DMARC aggregate reports",
		Long: `Reads DMARC aggregate reports from an IMAP mailbox, stores them in a
SQLite database and answers per domain statistics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			opts.logger = newLogger(cmd.ErrOrStderr(), opts.Debug)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file to use")
	cmd.PersistentFlags().StringVar(&opts.Database, "database", "", "database file, overrides the config")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "print debug output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewFetchCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewDomainsCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewReportsCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))

	return cmd
}

// loadConfig reads the config file. Commands that only read the database
// work without one.
func (o *RootOptions) loadConfig(required bool) (*config.Configuration, error) {
	var conf *config.Configuration
	if o.ConfigFile == "" && !required {
		defaults := config.Defaults()
		conf = &defaults
	} else {
		var err error
		conf, err = config.GetConfig(config.Defaults(), o.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("could not read config %s: %w", o.ConfigFile, err)
		}
	}
	if o.Database != "" {
		conf.Database = o.Database
	}
	return conf, nil
}

func (o *RootOptions) output(w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: w}
}
