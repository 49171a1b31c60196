// Package persistence is the conductor's SQLite layer: run history and
// extracted learnings, kept per project in .conductor/conductor.db. The
// feature records themselves live in the file-based feature store; this
// database holds the append-mostly history that outlives individual records.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"conductor/pkg/logx"
)

// DBFileName is the database file, relative to the project state directory.
const DBFileName = "conductor.db"

// DB wraps the SQLite handle with the conductor's operations. One DB serves
// one database file; the kernel owns it and closes it on shutdown.
type DB struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if needed) the conductor database at dbPath, applies
// pragmas and schema migrations, and configures the pool for SQLite's
// single-writer model.
func Open(dbPath string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports one writer; a larger pool only creates lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("📦 Database ready: %s", dbPath)
	return &DB{db: db, logger: logger}, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
