package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/overhaulhq/shopsync/internal/ledger"
	shopsync "github.com/overhaulhq/shopsync/internal/sync"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the authoritative server store. All replicated-table
// mutations flow through ApplySyncChanges or ApplyChangeRequest so every
// accepted change lands in the ledger and the change log atomically.
type SQLiteStore struct {
	db       *sql.DB
	dbPath   string
	registry *shopsync.Registry
	ledger   *ledger.Ledger
	now      func() int64
}

// Open opens (creating if necessary) the SQLite database at dbPath, applies
// pragmas and runs migrations.
func Open(dbPath string) (*sql.DB, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps the pragmas below in force for every
	// statement and sidesteps SQLITE_BUSY between pooled writers.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// New wraps an opened database. The ledger must share the same database so
// sync writes commit in one transaction.
func New(db *sql.DB, dbPath string, registry *shopsync.Registry, led *ledger.Ledger) *SQLiteStore {
	return &SQLiteStore{
		db:       db,
		dbPath:   dbPath,
		registry: registry,
		ledger:   led,
		now:      shopsync.NowMs,
	}
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Registry returns the sync table registry the store was built with.
func (s *SQLiteStore) Registry() *shopsync.Registry {
	return s.registry
}

// Ledger returns the ledger the store writes through.
func (s *SQLiteStore) Ledger() *ledger.Ledger {
	return s.ledger
}

// Health verifies the database answers queries.
func (s *SQLiteStore) Health(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GenerateSnapshot writes a consistent copy of the database next to the live
// file using VACUUM INTO, replacing any previous snapshot.
func (s *SQLiteStore) GenerateSnapshot(ctx context.Context) error {
	snapshotPath := s.snapshotPath()
	tmpPath := snapshotPath + ".tmp"

	if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale snapshot temp: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", tmpPath); err != nil {
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, snapshotPath); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}

	return nil
}

// GetSnapshotPath returns the path of the last published snapshot.
func (s *SQLiteStore) GetSnapshotPath(ctx context.Context) (string, error) {
	path := s.snapshotPath()
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("snapshot not available: %w", err)
	}
	return path, nil
}

func (s *SQLiteStore) snapshotPath() string {
	return s.dbPath + ".snapshot"
}
