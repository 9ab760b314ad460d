package storage

import (
	"fmt"
	"log"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 1

// initSchema creates the required tables if they don't exist.
// Uses IF NOT EXISTS to make the operation idempotent.
func (s *Store) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the initial schema.
//
// start_stop and pos_history are append-only; pos_latest is the only
// mutable table on the session/position side. Session and sequence ids
// are allocated from row counts of their append-only logs, so rows are
// never deleted from start_stop or collection_events.
func (s *Store) migrateToV1() error {
	log.Printf("storage: applying migration to schema version 1")

	const tables = `
		-- One row per accepted start or stop event. A tag's open session
		-- is the sess_id of its most recent row when that row is a start.
		CREATE TABLE IF NOT EXISTS start_stop (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sess_id INTEGER NOT NULL,
			is_start INTEGER NOT NULL,
			tag_mac TEXT NOT NULL,
			relay TEXT,
			ts REAL,
			ts_send REAL
		);
		CREATE INDEX IF NOT EXISTS idx_start_stop_tag ON start_stop(tag_mac, id);

		-- Latest known device position and next position to collect, one
		-- live row per tag. Reset to (0, 0) whenever a session opens.
		CREATE TABLE IF NOT EXISTS pos_latest (
			tag_mac TEXT PRIMARY KEY,
			pos INTEGER NOT NULL,
			server_ts_pos REAL NOT NULL,
			next INTEGER NOT NULL,
			server_ts_next REAL NOT NULL
		);

		-- Audit trail of every accepted position poll. Used for clock
		-- drift analysis, never for scheduling decisions.
		CREATE TABLE IF NOT EXISTS pos_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tag_mac TEXT NOT NULL,
			relay TEXT NOT NULL,
			host_ts REAL NOT NULL,
			host_ts_send REAL NOT NULL,
			server_ts REAL NOT NULL,
			pos INTEGER NOT NULL,
			sess_id INTEGER NOT NULL
		);

		-- One row per successful data pull. The sample payload lives in a
		-- side file named <sess_id>_<seq_id>.csv.
		CREATE TABLE IF NOT EXISTS collection_events (
			seq_id INTEGER PRIMARY KEY,
			server_ts REAL NOT NULL,
			tag_mac TEXT NOT NULL,
			relay TEXT NOT NULL,
			start_pos INTEGER NOT NULL,
			count INTEGER NOT NULL,
			sess_id INTEGER NOT NULL
		);

		-- Signal-strength observations: unbounded history plus a
		-- time-windowed recent table that relay selection reads.
		CREATE TABLE IF NOT EXISTS signal_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL NOT NULL,
			relay TEXT NOT NULL,
			tag_mac TEXT NOT NULL,
			rssi INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS signal_recent (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL NOT NULL,
			relay TEXT NOT NULL,
			tag_mac TEXT NOT NULL,
			rssi INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_signal_recent_tag ON signal_recent(tag_mac, relay);
		CREATE INDEX IF NOT EXISTS idx_signal_recent_ts ON signal_recent(ts);

		-- Per-relay high-water mark for signal log fetching.
		CREATE TABLE IF NOT EXISTS relay_cursors (
			relay TEXT PRIMARY KEY,
			next_ts INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(tables); err != nil {
		return fmt.Errorf("create v1 tables: %w", err)
	}

	const record = `INSERT INTO schema_version (version, applied_at) VALUES (1, datetime('now'))`
	if _, err := s.db.Exec(record); err != nil {
		return fmt.Errorf("record schema version 1: %w", err)
	}
	return nil
}
