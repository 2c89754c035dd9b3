package cli

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/firefart/dmarcanalyzer/internal/scanner"
)

// FetchOptions holds flags for the fetch command.
type FetchOptions struct {
	*RootOptions
	Folder string
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FetchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Import all reports from the mailbox once",
		Long: `Scans the configured IMAP folder once and stores every DMARC aggregate
report found. Messages with a stored report are moved into the store folder.

Examples:
  dmarcanalyzer fetch -c config.yaml
  dmarcanalyzer fetch -c config.yaml --folder DMARC --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			conf, err := opts.loadConfig(true)
			if err != nil {
				return err
			}
			if opts.Folder != "" {
				conf.ImapConfig.Folder = opts.Folder
			}

			a, err := newApp(conf, opts.logger, scanner.NewMetrics(nil))
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(); cerr != nil {
					err = multierror.Append(err, cerr)
				}
			}()

			summary, err := a.scan(cmd.Context())
			if summary != nil {
				if perr := opts.output(cmd.OutOrStdout()).Print(summary, func(w io.Writer) error {
					_, err := fmt.Fprint(w, summary.String())
					return err
				}); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Folder, "folder", "", "imap folder to scan, overrides the config")

	return cmd
}
