// Package store implements the daemon's single embedded SQL store: session
// tapes, the durable message queue, memory (with FTS + optional vector
// search), the audit log, scheduler tables, and saved workers.
//
// The connection/migration/FTS idiom is grounded on nevindra-oasis's
// store/sqlite package: one shared *sql.DB with SetMaxOpenConns(1) so every
// goroutine serialises through a single connection (no SQLITE_BUSY from
// independent connections racing writers), a functional-option logger, and
// idempotent CREATE TABLE IF NOT EXISTS migrations. The store-as-singleton-
// under-one-connection ownership model matches spec.md §3's "cloneable
// handle wrapping one exclusive connection under a mutex".
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger attaches a structured logger. Without one, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the process-wide singleton persistence layer. All operations
// serialise through db (MaxOpenConns=1); mu additionally guards the
// in-process bookkeeping (like the vector index presence flag) that isn't
// itself a SQL statement.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	mu         sync.Mutex
	vectorOn   bool
	vectorDims int
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Open opens (creating if necessary) the sqlite database at path, enables
// WAL journaling and foreign keys, sets a 5s busy timeout, and runs all
// pending migrations. path may be ":memory:" for tests.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open driver: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	if err := runMigrations(ctx, db, s.logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	s.logger.Info("store: opened", "path", path)
	return s, nil
}

// EnableVectorIndex turns on vector search over memory_vec. It creates
// nothing: migration 002's plain memory_vec table is applied
// unconditionally; this flag only governs whether SearchMemory's hybrid
// search mixes it in, per spec §6.5 "when the semantic feature is active".
func (s *Store) EnableVectorIndex(dims int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectorOn = true
	s.vectorDims = dims
}

func (s *Store) vectorEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vectorOn
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// nowMillis is the store's single clock source for created_at/updated_at
// columns: the current UTC time in unix milliseconds.
func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
