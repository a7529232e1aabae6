// Package store is the SQLite-backed collaborator of the sync engine. It
// persists broker sessions (refresh tokens encrypted at rest) and a sync-run
// audit history. Nothing else in the engine depends on it.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the sql.DB connection.
type DB struct {
	*sql.DB
}

// New creates a new database connection at the specified path. It creates
// the parent directory if it doesn't exist.
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite doesn't support concurrent writes
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &DB{DB: sqlDB}, nil
}

// RunMigrations executes all database migrations. Migrations are idempotent
// and can be run multiple times safely.
func (db *DB) RunMigrations() error {
	migrations := []string{
		migrationSessions,
		migrationSyncHistory,
		migrationIndexes,
	}
	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("running migration %d: %w", i+1, err)
		}
	}
	return nil
}

const migrationSessions = `
CREATE TABLE IF NOT EXISTS broker_sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT UNIQUE NOT NULL,
    refresh_token_encrypted BLOB,
    refresh_nonce BLOB,
    token_type TEXT DEFAULT 'Bearer',
    scopes TEXT,
    expires_at DATETIME,
    last_refreshed_at DATETIME,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

const migrationSyncHistory = `
CREATE TABLE IF NOT EXISTS sync_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT UNIQUE NOT NULL,
    sync_type TEXT NOT NULL,
    status TEXT NOT NULL,
    accounts_synced INTEGER DEFAULT 0,
    positions_synced INTEGER DEFAULT 0,
    transactions_synced INTEGER DEFAULT 0,
    warnings_count INTEGER DEFAULT 0,
    error_message TEXT,
    started_at DATETIME NOT NULL,
    completed_at DATETIME,
    duration_ms INTEGER
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_sync_history_started_at ON sync_history(started_at);
CREATE INDEX IF NOT EXISTS idx_sync_history_status ON sync_history(status);
`
