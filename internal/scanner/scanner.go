// Package scanner runs one ingestion pass over a mailbox folder.
package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/firefart/dmarcanalyzer/internal/dmarc"
	"github.com/firefart/dmarcanalyzer/internal/lock"
)

var (
	// ErrMailboxUnavailable aborts a scan if the mailbox can not be
	// selected, listed or modified.
	ErrMailboxUnavailable = errors.New("mailbox unavailable")
	// ErrScanInProgress is returned if another scan holds the lock.
	ErrScanInProgress = errors.New("scan already in progress")
)

// Mailbox is an authenticated mailbox session.
type Mailbox interface {
	Select(folder string) (uint32, error)
	EnsureFolder(folder string) error
	List() ([]uint32, error)
	Fetch(uid uint32) ([]byte, error)
	Move(uid uint32, folder string) error
	Expunge() error
}

// Store persists normalized reports.
type Store interface {
	InsertReport(ctx context.Context, r *dmarc.Report) (created bool, err error)
}

type Config struct {
	// Folder is scanned for reports.
	Folder string
	// StoreFolder receives stored messages. Empty disables relocation.
	StoreFolder       string
	MaxAttachmentSize int64
	MaxReportSize     int64
}

type Scanner struct {
	store   Store
	logger  *slog.Logger
	conf    Config
	locker  lock.Locker
	metrics *Metrics
}

type Option func(*Scanner)

func WithLocker(l lock.Locker) Option {
	return func(s *Scanner) {
		s.locker = l
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Scanner) {
		s.metrics = m
	}
}

func New(store Store, logger *slog.Logger, conf Config, opts ...Option) *Scanner {
	s := &Scanner{
		store:  store,
		logger: logger,
		conf:   conf,
		locker: lock.Noop{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// Scan processes every message of the configured folder once. Messages
// that do not contain a usable report are recorded in the summary and
// left in place. Only mailbox and store failures abort the scan, in which
// case the partial summary is returned together with the error.
func (s *Scanner) Scan(ctx context.Context, mb Mailbox) (summary *Summary, err error) {
	summary = newSummary(uuid.NewString())
	logger := s.logger.With("run_id", summary.RunID)

	defer func() {
		s.metrics.observeScan(err)
	}()

	release, err := s.locker.Acquire(ctx, s.conf.Folder)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return summary, fmt.Errorf("%w: %v", ErrScanInProgress, err)
		}
		return summary, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.Error("could not release scan lock", "error", err)
		}
	}()

	if s.conf.StoreFolder != "" {
		if err := mb.EnsureFolder(s.conf.StoreFolder); err != nil {
			return summary, fmt.Errorf("%w: %v", ErrMailboxUnavailable, err)
		}
	}

	if _, err := mb.Select(s.conf.Folder); err != nil {
		return summary, fmt.Errorf("%w: %v", ErrMailboxUnavailable, err)
	}

	uids, err := mb.List()
	if err != nil {
		return summary, fmt.Errorf("%w: %v", ErrMailboxUnavailable, err)
	}

	total := len(uids)
	logger.Info("starting scan", "folder", s.conf.Folder, "messages", total)

	moved := 0
	nextProgress := 5
	for i, uid := range uids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		stored, err := s.processMessage(ctx, logger, mb, uid, summary)
		if err != nil {
			return summary, err
		}
		summary.Processed++

		if stored && s.conf.StoreFolder != "" {
			if err := mb.Move(uid, s.conf.StoreFolder); err != nil {
				return summary, fmt.Errorf("%w: %v", ErrMailboxUnavailable, err)
			}
			moved++
		}

		if percent := (i + 1) * 100 / total; percent >= nextProgress {
			logger.Info(fmt.Sprintf("%d %% done", percent))
			nextProgress = percent - percent%5 + 5
		}
	}

	if moved > 0 {
		if err := mb.Expunge(); err != nil {
			return summary, fmt.Errorf("%w: %v", ErrMailboxUnavailable, err)
		}
	}

	logger.Info("scan finished",
		"processed", summary.Processed,
		"new", summary.New(),
		"duplicates", summary.Duplicates,
		"skipped", len(summary.Skipped),
	)
	return summary, nil
}

// processMessage drives one message through the pipeline. It returns true
// if the report of the message is in the store afterwards. The returned
// error is only set for failures that must abort the scan.
func (s *Scanner) processMessage(ctx context.Context, logger *slog.Logger, mb Mailbox, uid uint32, summary *Summary) (bool, error) {
	id := fmt.Sprintf("uid:%d", uid)

	skip := func(err error) (bool, error) {
		sk := Skip{
			MessageID: id,
			UID:       uid,
			Reason:    reasonFor(err),
			Detail:    err.Error(),
		}
		summary.Skipped = append(summary.Skipped, sk)
		s.metrics.skipped.WithLabelValues(string(sk.Reason)).Inc()
		logger.Warn("skipping message", "message_id", id, "uid", uid, "reason", sk.Reason, "error", err)
		return false, nil
	}

	raw, err := mb.Fetch(uid)
	if err != nil {
		if errors.Is(err, dmarc.ErrUnreadableMessage) {
			return skip(err)
		}
		return false, fmt.Errorf("%w: %v", ErrMailboxUnavailable, err)
	}

	msg, err := dmarc.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return skip(err)
	}
	if msg.ID != "" {
		id = msg.ID
	}
	logger.Debug("processing message", "message_id", id, "uid", uid)

	attachment, err := dmarc.LocateAttachment(msg, s.conf.MaxAttachmentSize)
	if err != nil {
		return skip(err)
	}

	payload, err := dmarc.Decompress(attachment, s.conf.MaxReportSize)
	if err != nil {
		return skip(err)
	}

	report, err := dmarc.Parse(payload)
	if err != nil {
		return skip(err)
	}

	created, err := s.store.InsertReport(ctx, report)
	if err != nil {
		return false, fmt.Errorf("could not store report %s of message %s: %w", report.ReportID, id, err)
	}

	if created {
		summary.PerDomain[report.PolicyDomain]++
		s.metrics.observeReport(report)
		logger.Info("stored report", "message_id", id, "report_id", report.ReportID, "domain", report.PolicyDomain, "records", len(report.Records))
	} else {
		summary.Duplicates++
		s.metrics.reports.WithLabelValues(outcomeDuplicate).Inc()
		logger.Info("report already stored", "message_id", id, "report_id", report.ReportID)
	}
	return true, nil
}
