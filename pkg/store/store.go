// Package store is the persistence layer (component A): a transactional
// Postgres store for Experiment, ExperimentCrate, ExperimentChunk, Result,
// Sha, and Agent rows, with referential cascades and migrations applied
// exactly once at startup.
//
// The schema-of-record lives in ent/schema; this package talks to the same
// tables directly via pgx, since no entc-generated client is available in
// this build (see DESIGN.md).
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides scoped-transaction access to all craterd tables. No
// implicit connection state leaks across calls: every exported method
// either runs standalone against the pool or inside a caller-supplied
// transaction closure.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing connection pool. Migrations are applied by the
// caller (see pkg/database) before the pool is handed to New.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pool, for health checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Tx runs fn inside a single transaction: on error, rollback; on success,
// commit. This is the sole cross-table synchronization primitive for
// operations like completing a chunk and decrementing its parent's
// children counter in one atomic step.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
