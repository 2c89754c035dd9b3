package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/firefart/dmarcanalyzer/internal/dmarc"
	"github.com/firefart/dmarcanalyzer/internal/dns"
	"github.com/firefart/dmarcanalyzer/internal/store"
)

// withStore opens the configured database for the duration of fn.
func (o *RootOptions) withStore(fn func(st *store.Store) error) (err error) {
	conf, err := o.loadConfig(false)
	if err != nil {
		return err
	}
	st, err := store.Open(conf.Database, o.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()
	return fn(st)
}

// NewDomainsCommand creates the domains command.
func NewDomainsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "domains",
		Short: "List all domains with stored reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(st *store.Store) error {
				domains, err := st.GetDomains(cmd.Context())
				if err != nil {
					return err
				}
				return opts.output(cmd.OutOrStdout()).Print(domains, func(w io.Writer) error {
					for _, d := range domains {
						if _, err := fmt.Fprintln(w, d); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
}

// StatsOptions holds flags for the stats command.
type StatsOptions struct {
	*RootOptions
	Days         int
	Dispositions bool
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show DKIM and SPF results per domain",
		Long: `Sums the message counts of all reports that began within the last --days
days by the policy evaluated DKIM and SPF verdict.

Examples:
  dmarcanalyzer stats --days 7
  dmarcanalyzer stats --dispositions --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Days < 0 {
				return fmt.Errorf("invalid value for --days: %d", opts.Days)
			}
			return opts.withStore(func(st *store.Store) error {
				if opts.Dispositions {
					return printDispositionStats(cmd.Context(), opts, st, cmd.OutOrStdout())
				}
				return printBasicStats(cmd.Context(), opts, st, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().IntVarP(&opts.Days, "days", "d", 30, "number of days to include")
	cmd.Flags().BoolVar(&opts.Dispositions, "dispositions", false, "group by applied disposition")

	return cmd
}

func printBasicStats(ctx context.Context, opts *StatsOptions, st *store.Store, out io.Writer) error {
	stats, err := st.GetBasicStats(ctx, opts.Days)
	if err != nil {
		return err
	}
	return opts.output(out).Print(stats, func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "DOMAIN\tDKIM PASS\tDKIM FAIL\tSPF PASS\tSPF FAIL")
		for _, d := range sortedKeys(stats) {
			s := stats[d]
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", d, s.DKIMPassed, s.DKIMFailed, s.SPFPassed, s.SPFFailed)
		}
		return tw.Flush()
	})
}

func printDispositionStats(ctx context.Context, opts *StatsOptions, st *store.Store, out io.Writer) error {
	stats, err := st.GetDispositionStats(ctx, opts.Days)
	if err != nil {
		return err
	}
	return opts.output(out).Print(stats, func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "DOMAIN\tDISPOSITION\tCOUNT\tDKIM PASS\tSPF PASS")
		for _, d := range sortedKeys(stats) {
			for _, disposition := range sortedKeys(stats[d]) {
				s := stats[d][disposition]
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", d, disposition, s.Count, s.DKIMPassed, s.SPFPassed)
			}
		}
		return tw.Flush()
	})
}

// NewReportsCommand creates the reports command.
func NewReportsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reports <domain>",
		Short: "List the reports of a domain, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(st *store.Store) error {
				reports, err := st.GetReportsForDomain(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return opts.output(cmd.OutOrStdout()).Print(reports, func(w io.Writer) error {
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "REPORT ID\tORGANIZATION\tBEGIN\tEND\tRECORDS\tMESSAGES")
					for _, r := range reports {
						var messages int64
						for _, rec := range r.Records {
							messages += rec.Count
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
							r.ReportID, r.OrgName, formatTime(r.DateBegin), formatTime(r.DateEnd), len(r.Records), messages)
					}
					return tw.Flush()
				})
			})
		},
	}
}

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	Resolve bool
	XML     bool
	Raw     bool
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report <report id>",
		Short: "Show the records of a single report",
		Long: `Prints one entry per record of the report.

Examples:
  dmarcanalyzer report 12345678901234567890 --resolve
  dmarcanalyzer report 12345678901234567890 --xml
  dmarcanalyzer report 12345678901234567890 --raw > report.xml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			return opts.withStore(func(st *store.Store) error {
				report, err := st.GetReport(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if opts.Raw {
					_, err := out.Write(report.Blob)
					return err
				}

				var resolver dmarc.Resolver
				if opts.Resolve {
					resolver = dns.FromConfig(cmd.Context(), conf.DNS, opts.logger)
				}
				entries := dmarc.Entries(report, resolver)

				if opts.XML {
					return writeLines(out, dmarc.EncodeXML, entries)
				}
				if opts.Format == "json" {
					return writeLines(out, dmarc.EncodeJSON, entries)
				}
				return printEntries(out, entries)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Resolve, "resolve", false, "resolve source IPs to host names")
	cmd.Flags().BoolVar(&opts.XML, "xml", false, "print one XML entry per record")
	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "print the original report XML")

	return cmd
}

func writeLines(w io.Writer, encode func([]dmarc.Entry) ([][]byte, error), entries []dmarc.Entry) error {
	lines, err := encode(entries)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, string(l)); err != nil {
			return err
		}
	}
	return nil
}

func printEntries(w io.Writer, entries []dmarc.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE IP\tHOST\tCOUNT\tDISPOSITION\tDKIM\tSPF\tHEADER FROM\tDKIM DOMAIN\tSPF DOMAIN")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.SourceIP, dash(e.SourceDNSString), e.Count, e.Disposition, e.DKIMEvaluated, e.SPFEvaluated,
			e.HeaderFrom, dash(e.DKIMDomain), dash(e.SPFDomain))
	}
	return tw.Flush()
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("2006-01-02 15:04")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
