// Package store provides the local sqlite persistence behind the runtime:
// a queryable mirror of the chain, and sessions with their messages. The
// schema also creates the ai_operation_log and user_monthly_spend tables;
// nothing in this package reads or writes them.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) the local database and ensures the schema.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single writer keeps sqlite happy under the runtime's goroutines.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS chain_entries (
		seq INTEGER PRIMARY KEY,
		prev_hash TEXT NOT NULL,
		payload TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		ts TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		origin TEXT NOT NULL,
		start_ts TEXT NOT NULL,
		last_activity_ts TEXT NOT NULL,
		local_version INTEGER NOT NULL DEFAULT 0,
		remote_version INTEGER NOT NULL DEFAULT 0,
		conflict_count INTEGER NOT NULL DEFAULT 0,
		last_sync_ts TEXT
	);
	CREATE TABLE IF NOT EXISTS session_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		ts TEXT NOT NULL,
		origin TEXT NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON session_messages(session_id, ts);
	CREATE TABLE IF NOT EXISTS ai_operation_log (
		op_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		op_kind TEXT NOT NULL,
		model_id TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd REAL NOT NULL,
		latency_ms INTEGER NOT NULL,
		success INTEGER NOT NULL,
		ts TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS user_monthly_spend (
		user_id TEXT NOT NULL,
		month TEXT NOT NULL,
		total_cost REAL NOT NULL,
		by_kind TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (user_id, month)
	);`
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}
