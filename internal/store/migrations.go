package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// migration is one numbered, idempotent schema step. Migrations apply
// exactly once, in order, tracked in schema_migrations; a failure aborts
// startup (spec §6.4, §7 "Store" error kind — fatal at startup).
type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations is the schema history named in spec §6.4: 001_initial,
// 002_vector_memory, 003_scheduler, 004_saved_workers, followed by
// 005_queue_peer_kind, which adds queue.is_group. Grounded on
// nevindra-oasis's idempotent CREATE TABLE IF NOT EXISTS style; versioned
// via a hand-rolled runner (see DESIGN.md for why golang-migrate itself
// isn't used — its sqlite driver requires cgo).
var migrations = []migration{
	{
		version: 1,
		name:    "initial",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS tape (
				session_id TEXT PRIMARY KEY,
				messages_json TEXT NOT NULL,
				message_count INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				channel TEXT NOT NULL,
				sender_id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				content TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				error_msg TEXT,
				created_at INTEGER NOT NULL,
				processed_at INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_status_created ON queue(status, created_at, id)`,
			`CREATE TABLE IF NOT EXISTS memory (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				key TEXT UNIQUE,
				content TEXT NOT NULL,
				tags TEXT,
				source TEXT,
				category TEXT NOT NULL DEFAULT 'fact',
				importance INTEGER NOT NULL DEFAULT 5,
				last_accessed INTEGER NOT NULL,
				access_count INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
				content, content='memory', content_rowid='id'
			)`,
			`CREATE TRIGGER IF NOT EXISTS memory_ai AFTER INSERT ON memory BEGIN
				INSERT INTO memory_fts(rowid, content) VALUES (new.id, new.content);
			END`,
			`CREATE TRIGGER IF NOT EXISTS memory_ad AFTER DELETE ON memory BEGIN
				INSERT INTO memory_fts(memory_fts, rowid, content) VALUES ('delete', old.id, old.content);
			END`,
			`CREATE TRIGGER IF NOT EXISTS memory_au AFTER UPDATE ON memory BEGIN
				INSERT INTO memory_fts(memory_fts, rowid, content) VALUES ('delete', old.id, old.content);
				INSERT INTO memory_fts(rowid, content) VALUES (new.id, new.content);
			END`,
			`CREATE TABLE IF NOT EXISTS audit (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT,
				event_type TEXT NOT NULL,
				tool_name TEXT,
				detail TEXT,
				tokens_used INTEGER NOT NULL DEFAULT 0,
				timestamp INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit(timestamp)`,
			`CREATE TABLE IF NOT EXISTS state (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
		},
	},
	{
		version: 2,
		name:    "vector_memory",
		stmts: []string{
			// float[384] is documentation only here — stored as JSON text,
			// matching nevindra-oasis's embedding-as-JSON-text approach,
			// since modernc.org/sqlite has no native vector extension.
			`CREATE TABLE IF NOT EXISTS memory_vec (
				memory_id INTEGER PRIMARY KEY,
				embedding TEXT NOT NULL,
				FOREIGN KEY (memory_id) REFERENCES memory(id) ON DELETE CASCADE
			)`,
		},
	},
	{
		version: 3,
		name:    "scheduler",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS cron_jobs (
				name TEXT PRIMARY KEY,
				schedule TEXT NOT NULL,
				prompt TEXT NOT NULL,
				target_channel TEXT,
				session_mode TEXT NOT NULL DEFAULT 'isolated',
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS cron_runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				job_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'running',
				result TEXT,
				started_at INTEGER NOT NULL,
				finished_at INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cron_runs_job ON cron_runs(job_id, started_at)`,
		},
	},
	{
		version: 4,
		name:    "saved_workers",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS saved_workers (
				name TEXT PRIMARY KEY,
				system_prompt TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`,
		},
	},
	{
		version: 5,
		name:    "queue_peer_kind",
		stmts: []string{
			// direct vs. group routing (conductor.ProcessMessage vs.
			// ProcessGroupMessage) must survive the queue hop; the original
			// 001_initial schema only carried it as far as InboundMessage.
			`ALTER TABLE queue ADD COLUMN is_group INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

// MigrationStatus reports one schema_migrations entry for the `migrate
// status` CLI subcommand.
type MigrationStatus struct {
	Version int
	Name    string
	Applied bool
}

// Status reports every known migration's applied state, in version order.
// Used by the `migrate` CLI subcommand; Open already applies pending
// migrations unconditionally on every startup, so this is purely
// informational.
func (s *Store) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied := map[int]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("store: read schema_migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		out = append(out, MigrationStatus{Version: m.version, Name: m.name, Applied: applied[m.version]})
	}
	return out, nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d begin: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %03d_%s: %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.version, nowMillis()); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %03d_%s record: %w", m.version, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %03d_%s commit: %w", m.version, m.name, err)
		}
		logger.Info("store: migration applied", "version", m.version, "name", m.name)
	}
	return nil
}
