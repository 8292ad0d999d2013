// Package store implements the shared relational store backing the
// orchestration core.
//
// All cross-worker coordination happens through this store: the progress
// ledger, verification checkpoints, and workspace status live here so that
// any number of daemon instances can dispatch concurrently. Conflict-prone
// rows (goals, checkpoints, cooldowns) are written with conditional
// statements, never long-held locks.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/workspaced/internal/config"
)

// Store wraps the SQLite database with typed accessors for every table.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database, applies pragmas suitable for concurrent
// dispatch (WAL journal, busy timeout, foreign keys), and runs migrations.
func Open(cfg config.StoreConfig) (*Store, error) {
	busyMillis := int(cfg.BusyTimeout.Duration() / time.Millisecond)
	if busyMillis <= 0 {
		busyMillis = 5000
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		cfg.Path, busyMillis,
	)
	if cfg.Path == ":memory:" {
		// Shared cache keeps one in-memory database across pooled connections.
		dsn = fmt.Sprintf("file::memory:?mode=memory&cache=shared&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", busyMillis)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
