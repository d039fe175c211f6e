// Package store is the durable layer of a sync account: protocol
// state, the pending operation queue and the folder cursor table,
// all backed by one SQLite database per client.
package store

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Structs

// Store wraps one SQLite handle. All methods are safe for use from
// multiple goroutines, database/sql serializes access.
type Store struct {
	db *sql.DB
}

// Functions

// Open opens (and if needed creates) the database at file and
// applies the schema. Use ":memory:" for tests.
func Open(file string) (*Store, error) {

	db, err := sql.Open("sqlite3", file+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}

	// SQLite permits one writer. A single connection avoids
	// SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}

	if err := s.applySchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) applySchema() error {

	schema := `
	CREATE TABLE IF NOT EXISTS protocol_state (
		account_id INTEGER PRIMARY KEY,
		control_state INTEGER NOT NULL DEFAULT 0,
		rung INTEGER NOT NULL DEFAULT 0,
		sync_limit INTEGER NOT NULL DEFAULT 0,
		max_ping_folders INTEGER NOT NULL DEFAULT 200,
		heartbeat_interval INTEGER NOT NULL DEFAULT 600,
		has_synced_inbox INTEGER NOT NULL DEFAULT 0,
		last_narrow_sync TEXT NOT NULL DEFAULT '',
		last_ping TEXT NOT NULL DEFAULT '',
		last_folder_sync TEXT NOT NULL DEFAULT '',
		rate_limited_until TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS pending (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL,
		token TEXT NOT NULL UNIQUE,
		operation INTEGER NOT NULL,
		state INTEGER NOT NULL,
		folder_server_id TEXT NOT NULL DEFAULT '',
		item_server_id TEXT NOT NULL DEFAULT '',
		delay_not_allowed INTEGER NOT NULL DEFAULT 0,
		serial_only INTEGER NOT NULL DEFAULT 0,
		defer_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		dispatched_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS pending_account_state ON pending (account_id, state);

	CREATE TABLE IF NOT EXISTS pend_dep (
		pred_id INTEGER NOT NULL,
		succ_id INTEGER NOT NULL,
		PRIMARY KEY (pred_id, succ_id)
	);

	CREATE TABLE IF NOT EXISTS folder (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL,
		server_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		class INTEGER NOT NULL,
		is_default INTEGER NOT NULL DEFAULT 0,
		is_ric INTEGER NOT NULL DEFAULT 0,
		sync_key TEXT NOT NULL DEFAULT '0',
		expected INTEGER NOT NULL DEFAULT 1,
		epoch INTEGER NOT NULL DEFAULT 0,
		attempt_run INTEGER NOT NULL DEFAULT 0,
		last_attempt TEXT NOT NULL DEFAULT '',
		last_ping TEXT NOT NULL DEFAULT '',
		last_change TEXT NOT NULL DEFAULT '',
		UNIQUE (account_id, server_id)
	);

	CREATE TABLE IF NOT EXISTS fetch_hint (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL,
		folder_server_id TEXT NOT NULL,
		item_server_id TEXT NOT NULL,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (account_id, item_server_id)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}

	return nil
}

// withTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}
