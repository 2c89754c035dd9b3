package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/firefart/dmarcanalyzer/internal/scanner"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FetchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Import reports periodically",
		Long: `Scans the mailbox every fetchInterval until interrupted. If metrics.listen
is configured the scan counters are exposed on /metrics.

Examples:
  dmarcanalyzer serve -c config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			conf, err := opts.loadConfig(true)
			if err != nil {
				return err
			}
			if opts.Folder != "" {
				conf.ImapConfig.Folder = opts.Folder
			}

			a, err := newApp(conf, opts.logger, scanner.NewMetrics(prometheus.DefaultRegisterer))
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(); cerr != nil {
					err = multierror.Append(err, cerr)
				}
			}()

			g, ctx := errgroup.WithContext(cmd.Context())
			if conf.Metrics.Listen != "" {
				serveMetrics(ctx, g, a, conf.Metrics.Listen)
			}
			g.Go(func() error {
				return a.loop(ctx, conf.FetchInterval.Duration)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&opts.Folder, "folder", "", "imap folder to scan, overrides the config")

	return cmd
}

func serveMetrics(ctx context.Context, g *errgroup.Group, a *app, listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		a.logger.Info("serving metrics", "listen", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// loop runs a scan right away and then every interval. Scan errors are
// only logged so the loop keeps running.
func (a *app) loop(ctx context.Context, interval time.Duration) error {
	a.logger.Info("starting first run")
	a.runOnce(ctx)
	a.logger.Info("first run finished")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context done")
			return nil
		case <-ticker.C:
			a.logger.Info("starting new run")
			a.runOnce(ctx)
			a.logger.Info("run finished")
		}
	}
}

func (a *app) runOnce(ctx context.Context) {
	summary, err := a.scan(ctx)
	switch {
	case errors.Is(err, scanner.ErrScanInProgress):
		a.logger.Info("another scan is running, skipping this run")
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		a.logger.Error("scan failed", "error", err)
	}
	if summary != nil {
		a.logger.Info("imported reports", "run_id", summary.RunID, "per_domain", summary.PerDomain, "duplicates", summary.Duplicates, "skipped", len(summary.Skipped))
	}
}
