package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefart/dmarcanalyzer/internal/dmarc"
	"github.com/firefart/dmarcanalyzer/internal/dmarc/dmarctest"
	"github.com/firefart/dmarcanalyzer/internal/lock"
	"github.com/firefart/dmarcanalyzer/internal/store"
)

var begin = time.Date(2026, time.October, 10, 0, 0, 0, 0, time.UTC).Unix()

type fakeMailbox struct {
	uids      []uint32
	messages  map[uint32][]byte
	folders   map[string]bool
	selectErr error
	fetchErr  error
	moveErr   error
	fetched   []uint32
	moved     map[uint32]string
	expunged  int
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		messages: make(map[uint32][]byte),
		folders:  map[string]bool{"INBOX": true},
		moved:    make(map[uint32]string),
	}
}

func (f *fakeMailbox) add(uid uint32, raw []byte) {
	f.uids = append(f.uids, uid)
	f.messages[uid] = raw
}

func (f *fakeMailbox) Select(folder string) (uint32, error) {
	if f.selectErr != nil {
		return 0, f.selectErr
	}
	if !f.folders[folder] {
		return 0, fmt.Errorf("imap folder %s not found in account", folder)
	}
	return uint32(len(f.uids)), nil
}

func (f *fakeMailbox) EnsureFolder(folder string) error {
	f.folders[folder] = true
	return nil
}

func (f *fakeMailbox) List() ([]uint32, error) {
	var uids []uint32
	for _, uid := range f.uids {
		if _, ok := f.moved[uid]; !ok {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func (f *fakeMailbox) Fetch(uid uint32) ([]byte, error) {
	f.fetched = append(f.fetched, uid)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.messages[uid], nil
}

func (f *fakeMailbox) Move(uid uint32, folder string) error {
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moved[uid] = folder
	return nil
}

func (f *fakeMailbox) Expunge() error {
	f.expunged++
	return nil
}

type failingStore struct {
	err error
}

func (s failingStore) InsertReport(context.Context, *dmarc.Report) (bool, error) {
	return false, s.err
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string) (func(context.Context) error, error) {
	return nil, fmt.Errorf("%w: INBOX", lock.ErrLocked)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Folder:            "INBOX",
		StoreFolder:       "processed",
		MaxAttachmentSize: 1024 * 1024,
		MaxReportSize:     1024 * 1024,
	}
}

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func unsupportedMessage() []byte {
	return dmarctest.Message("unsupported@example.com",
		dmarctest.Part{ContentType: "text/plain", Body: []byte("see attached")},
		dmarctest.Part{ContentType: "application/pdf", Filename: "report.pdf", Body: []byte("%PDF-1.4")},
	)
}

func TestScanUnusableMessageTolerance(t *testing.T) {
	st := createTestStore(t)
	mb := newFakeMailbox()
	mb.add(1, unsupportedMessage())
	mb.add(2, dmarctest.ZipReportMessage("zip@google.com", "report-zip", "example.com", begin))
	mb.add(3, dmarctest.GzipReportMessage("gzip@outlook.com", "report-gz", "example.org", begin))

	s := New(st, testLogger(), testConfig())
	summary, err := s.Scan(context.Background(), mb)
	require.NoError(t, err)

	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.New())
	assert.Equal(t, map[string]int{"example.com": 1, "example.org": 1}, summary.PerDomain)
	assert.Equal(t, 0, summary.Duplicates)
	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, "unsupported@example.com", summary.Skipped[0].MessageID)
	assert.Equal(t, uint32(1), summary.Skipped[0].UID)
	assert.Equal(t, ReasonNoAttachment, summary.Skipped[0].Reason)

	domains, err := st.GetDomains(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com", "example.org"}, domains)

	// stored messages are relocated, skipped ones stay
	assert.Equal(t, map[uint32]string{2: "processed", 3: "processed"}, mb.moved)
	assert.Equal(t, 1, mb.expunged)
	assert.True(t, mb.folders["processed"])
}

func TestScanDuplicates(t *testing.T) {
	st := createTestStore(t)
	mb := newFakeMailbox()
	mb.add(1, dmarctest.ZipReportMessage("a@google.com", "report-1", "example.com", begin))
	mb.add(2, dmarctest.GzipReportMessage("b@outlook.com", "report-1", "example.com", begin))

	conf := testConfig()
	conf.StoreFolder = ""
	s := New(st, testLogger(), conf)

	summary, err := s.Scan(context.Background(), mb)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.New())
	assert.Equal(t, 1, summary.Duplicates)
	assert.Empty(t, summary.Skipped)

	// without a store folder nothing is moved and a rescan sees everything again
	assert.Empty(t, mb.moved)
	assert.Equal(t, 0, mb.expunged)

	summary, err = s.Scan(context.Background(), mb)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.New())
	assert.Equal(t, 2, summary.Duplicates)

	reports, err := st.GetReportsForDomain(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Len(t, reports[0].Records, 2)
}

func TestScanSkipReasons(t *testing.T) {
	st := createTestStore(t)
	mb := newFakeMailbox()
	mb.add(1, dmarctest.Message("nofilename@example.com",
		dmarctest.Part{ContentType: "application/zip", Body: dmarctest.Zip("r.xml", []byte("<feedback/>"))},
	))
	mb.add(2, dmarctest.Message("broken@example.com",
		dmarctest.Part{ContentType: "application/gzip", Filename: "r.xml.gz", Body: []byte("not gzip at all")},
	))
	mb.add(3, dmarctest.Message("malformed@example.com",
		dmarctest.Part{ContentType: "application/gzip", Filename: "r.xml.gz", Body: dmarctest.Gzip([]byte("<feedback><report_metadata/></feedback>"))},
	))
	mb.add(4, []byte{})

	s := New(st, testLogger(), testConfig())
	summary, err := s.Scan(context.Background(), mb)
	require.NoError(t, err)

	require.Len(t, summary.Skipped, 4)
	assert.Equal(t, ReasonNoFilename, summary.Skipped[0].Reason)
	assert.Equal(t, ReasonDecompressionFailed, summary.Skipped[1].Reason)
	assert.Equal(t, ReasonMalformedReport, summary.Skipped[2].Reason)
	assert.Equal(t, "malformed@example.com", summary.Skipped[2].MessageID)
	assert.Equal(t, "uid:4", summary.Skipped[3].MessageID)
	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 0, summary.New())
	assert.Empty(t, mb.moved)
	assert.Equal(t, 0, mb.expunged)
}

func TestScanStoreFailureIsFatal(t *testing.T) {
	mb := newFakeMailbox()
	mb.add(1, dmarctest.ZipReportMessage("a@google.com", "report-1", "example.com", begin))
	mb.add(2, dmarctest.ZipReportMessage("b@google.com", "report-2", "example.com", begin))

	s := New(failingStore{err: store.ErrTransactionFailed}, testLogger(), testConfig())
	summary, err := s.Scan(context.Background(), mb)
	require.ErrorIs(t, err, store.ErrTransactionFailed)
	require.NotNil(t, summary)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, []uint32{1}, mb.fetched)
	assert.Empty(t, mb.moved)
}

func TestScanMailboxUnavailable(t *testing.T) {
	st := createTestStore(t)

	mb := newFakeMailbox()
	mb.add(1, dmarctest.ZipReportMessage("a@google.com", "report-1", "example.com", begin))
	mb.selectErr = errors.New("connection reset")
	_, err := New(st, testLogger(), testConfig()).Scan(context.Background(), mb)
	require.ErrorIs(t, err, ErrMailboxUnavailable)
	assert.Empty(t, mb.fetched)

	mb = newFakeMailbox()
	mb.add(1, dmarctest.ZipReportMessage("a@google.com", "report-1", "example.com", begin))
	mb.fetchErr = errors.New("connection reset")
	_, err = New(st, testLogger(), testConfig()).Scan(context.Background(), mb)
	require.ErrorIs(t, err, ErrMailboxUnavailable)

	mb = newFakeMailbox()
	mb.add(1, dmarctest.ZipReportMessage("a@google.com", "report-1", "example.com", begin))
	mb.moveErr = errors.New("quota exceeded")
	_, err = New(st, testLogger(), testConfig()).Scan(context.Background(), mb)
	require.ErrorIs(t, err, ErrMailboxUnavailable)
	assert.Equal(t, 0, mb.expunged)
}

func TestScanCancelled(t *testing.T) {
	st := createTestStore(t)
	mb := newFakeMailbox()
	mb.add(1, dmarctest.ZipReportMessage("a@google.com", "report-1", "example.com", begin))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(st, testLogger(), testConfig()).Scan(ctx, mb)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, mb.fetched)
}

func TestScanLockHeld(t *testing.T) {
	st := createTestStore(t)
	mb := newFakeMailbox()
	mb.add(1, dmarctest.ZipReportMessage("a@google.com", "report-1", "example.com", begin))

	_, err := New(st, testLogger(), testConfig(), WithLocker(heldLocker{})).Scan(context.Background(), mb)
	require.ErrorIs(t, err, ErrScanInProgress)
	assert.Empty(t, mb.fetched)
}

func TestScanMetrics(t *testing.T) {
	st := createTestStore(t)
	mb := newFakeMailbox()
	mb.add(1, unsupportedMessage())
	mb.add(2, dmarctest.ZipReportMessage("a@google.com", "report-1", "example.com", begin))
	mb.add(3, dmarctest.GzipReportMessage("b@outlook.com", "report-2", "example.com", begin))
	mb.add(4, dmarctest.GzipReportMessage("c@outlook.com", "report-2", "example.com", begin))

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	_, err := New(st, testLogger(), testConfig(), WithMetrics(m)).Scan(context.Background(), mb)
	require.NoError(t, err)

	assert.InDelta(t, 2, testutil.ToFloat64(m.reports.WithLabelValues(outcomeNew)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.reports.WithLabelValues(outcomeDuplicate)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.skipped.WithLabelValues(string(ReasonNoAttachment))), 0)
	assert.InDelta(t, 6, testutil.ToFloat64(m.records.WithLabelValues("pass", "pass")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.records.WithLabelValues("fail", "fail")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.scans.WithLabelValues("ok")), 0)

	n, err := testutil.GatherAndCount(reg, "dmarcanalyzer_scans_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
