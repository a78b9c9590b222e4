// Package storage persists consensus results, their per-validator outcomes
// and validator descriptors in SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS validators (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    capabilities TEXT NOT NULL DEFAULT '[]',
    reputation REAL NOT NULL DEFAULT 1.0,
    endpoint TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS consensus_results (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    task_digest TEXT NOT NULL,
    algorithm TEXT NOT NULL,
    threshold REAL NOT NULL,
    consensus_reached INTEGER NOT NULL,
    aggregate_confidence REAL NOT NULL,
    valid_count INTEGER NOT NULL,
    total_count INTEGER NOT NULL,
    selected_count INTEGER NOT NULL,
    partial INTEGER NOT NULL DEFAULT 0,
    absent TEXT NOT NULL DEFAULT '[]',
    decision TEXT NOT NULL DEFAULT '{}',
    aggregated_analysis TEXT NOT NULL DEFAULT '{}',
    produced_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS validator_outcomes (
    result_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    validator_id TEXT NOT NULL,
    succeeded INTEGER NOT NULL,
    valid INTEGER NOT NULL,
    confidence REAL NOT NULL,
    analysis TEXT NOT NULL DEFAULT '{}',
    error_kind TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL,
    latency_ns INTEGER NOT NULL,
    PRIMARY KEY (result_id, validator_id),
    FOREIGN KEY (result_id) REFERENCES consensus_results(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_results_task ON consensus_results(task_id);
CREATE INDEX IF NOT EXISTS idx_results_produced ON consensus_results(produced_at);
CREATE INDEX IF NOT EXISTS idx_outcomes_validator ON validator_outcomes(validator_id);
`
	_, err := d.db.Exec(schema)
	return err
}

// boolToInt converts a bool to an integer (0 or 1) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// notFound maps sql.ErrNoRows to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
