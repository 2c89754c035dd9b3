package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrNotFound          = errors.New("report not found")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrTransactionFailed = errors.New("transaction failed")
)

// Store persists DMARC reports in SQLite.
//
// SQLite only supports one writer at a time so the pool is limited to a
// single connection and write transactions are started with BEGIN IMMEDIATE.
// This serializes the existence check and the insert of a report across
// goroutines. Other processes are serialized by the database lock.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Store)

// WithClock sets the time source used for the statistic windows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open creates or opens the database at path and applies the schema.
func Open(path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	// connection settings live in the dsn so every new pool connection gets them
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStoreUnavailable, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to connect to database: %v", ErrStoreUnavailable, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to apply schema: %v", ErrStoreUnavailable, err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// windowStart returns the unix timestamp of the start of the UTC day that
// lies days before now. Reports beginning on or after it are in the window.
func windowStart(now time.Time, days int) int64 {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d-days, 0, 0, 0, 0, time.UTC).Unix()
}
