// Package store persists WorkflowRun snapshots in SQLite, keyed by run ID.
//
// The store never interprets the document column: callers hand it JSON and
// get the same bytes back, so persisted runs stay readable without the
// orchestrator's types.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/p-blackswan/agentforge/internal/retry"
)

// DefaultCacheSize is the number of run documents kept in the read cache.
const DefaultCacheSize = 128

// Store manages the SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.RWMutex
	cache  *recordCache
	retry  retry.Config
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithCacheSize overrides DefaultCacheSize.
func WithCacheSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.cache = newRecordCache(n)
		}
	}
}

// WithClock overrides the clock used by retention.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens (or creates) the SQLite database and runs migrations. dbPath
// may be ":memory:" for tests.
func New(dbPath string, logger zerolog.Logger, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
		cache:  newRecordCache(DefaultCacheSize),
		retry:  busyRetry(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	s.logger.Debug().Str("path", dbPath).Msg("store initialized")
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// busyRetry retries writes that lost a race for the database lock.
func busyRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 5
	cfg.BaseDelay = 20 * time.Millisecond
	cfg.Retryable = isBusy
	return cfg
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
