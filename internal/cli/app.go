package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/firefart/dmarcanalyzer/internal/config"
	"github.com/firefart/dmarcanalyzer/internal/imap"
	"github.com/firefart/dmarcanalyzer/internal/lock"
	"github.com/firefart/dmarcanalyzer/internal/scanner"
	"github.com/firefart/dmarcanalyzer/internal/store"
)

// app holds the long lived dependencies of the fetch and serve commands.
type app struct {
	conf    *config.Configuration
	logger  *slog.Logger
	store   *store.Store
	scanner *scanner.Scanner
	closers []func() error
}

func newApp(conf *config.Configuration, logger *slog.Logger, metrics *scanner.Metrics) (*app, error) {
	st, err := store.Open(conf.Database, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		conf:    conf,
		logger:  logger,
		store:   st,
		closers: []func() error{st.Close},
	}

	var locker lock.Locker = lock.Noop{}
	if conf.Redis.URL != "" {
		l, rdb, err := lock.NewRedisFromURL(conf.Redis.URL, conf.Redis.LockTTL.Duration)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		locker = l
	}

	a.scanner = scanner.New(st, logger, scanner.Config{
		Folder:            conf.ImapConfig.Folder,
		StoreFolder:       conf.StoreFolder,
		MaxAttachmentSize: conf.MaxAttachmentSize,
		MaxReportSize:     conf.MaxReportSize,
	}, scanner.WithLocker(locker), scanner.WithMetrics(metrics))

	return a, nil
}

// scan connects to the mailbox, runs one scan and logs out again. A new
// connection is used for every scan as the imap library does not handle
// reconnects.
func (a *app) scan(ctx context.Context) (*scanner.Summary, error) {
	mb, err := imap.Connect(ctx, a.conf.ImapConfig, a.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scanner.ErrMailboxUnavailable, err)
	}

	var result *multierror.Error
	summary, err := a.scanner.Scan(ctx, mb)
	if err != nil {
		result = multierror.Append(result, err)
	}
	if err := mb.Logout(); err != nil {
		result = multierror.Append(result, fmt.Errorf("error on logout: %w", err))
	}
	return summary, result.ErrorOrNil()
}

func (a *app) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
