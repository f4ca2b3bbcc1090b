// Package storage is the single embedded relational store (spec §3/§5):
// one SQLite database, WAL journaling, foreign keys on, single writer.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"
)

// Store wraps the shared *sql.DB and is passed by reference into every
// component that owns a slice of the schema (§5: "Write discipline").
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates (or attaches to) the database at path, applies the schema,
// and configures it per spec §3/§5: WAL journaling, foreign keys enforced,
// a 10s busy timeout, and a single writer connection (SQLite itself only
// ever allows one writer; capping the pool avoids SQLITE_BUSY storms under
// concurrent goroutines rather than masking them).
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("storage.Open: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=10000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage.Open: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.Open: apply schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for components that need raw queries
// not otherwise covered (e.g. ad-hoc reporting).
func (s *Store) DB() *sql.DB { return s.db }

// withTx runs fn inside a transaction, rolling back on any error or panic
// and committing otherwise. Every multi-row write in this package goes
// through this helper (§7: "DB busy/lock contention... roll back the
// current transaction").
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}
