package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/craterd/craterd/pkg/models"
)

// SplitExperiment divides an experiment's crate list into chunkSize-sized
// ExperimentChunk rows and sets the parent's children counter to the
// resulting chunk count, per spec §9's chunking semantics: once split, the
// split is immutable. A single-chunk experiment is represented uniformly
// as one chunk (children=1), keeping the API chunk-addressed.
func (s *Store) SplitExperiment(ctx context.Context, name string, crates []models.Crate, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = len(crates)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}

	return s.Tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		now := time.Now().UTC()
		n := 0
		for i := 0; i < len(crates); i += chunkSize {
			end := i + chunkSize
			if end > len(crates) {
				end = len(crates)
			}
			chunk := crates[i:end]
			keys, err := marshalCrateKeys(chunk)
			if err != nil {
				return err
			}
			chunkName := fmt.Sprintf("%s-chunk-%d", name, n)
			if _, err := tx.Exec(ctx, `
				INSERT INTO experiment_chunks (name, experiment_name, status, created_at, crate_keys)
				VALUES ($1,$2,$3,$4,$5)`,
				chunkName, name, models.ChunkQueued, now, keys); err != nil {
				return fmt.Errorf("insert chunk %s: %w", chunkName, err)
			}
			n++
		}
		return s.SetChildren(ctx, tx, name, n)
	})
}

func scanChunk(row pgx.Row) (*models.ExperimentChunk, error) {
	var c models.ExperimentChunk
	var keysJSON []byte
	if err := row.Scan(&c.Name, &c.ParentName, &c.Status, &c.AssignedTo, &c.CreatedAt, &c.StartedAt, &c.CompletedAt, &keysJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	var keys []string
	if err := json.Unmarshal(keysJSON, &keys); err != nil {
		return nil, fmt.Errorf("unmarshal crate keys: %w", err)
	}
	c.Crates = make([]models.Crate, 0, len(keys))
	for _, k := range keys {
		crate, err := models.ParseCrateKey(k)
		if err != nil {
			return nil, err
		}
		c.Crates = append(c.Crates, crate)
	}
	return &c, nil
}

const chunkColumns = `name, experiment_name, status, assigned_to, created_at, started_at, completed_at, crate_keys`

// RunningChunkFor returns the chunk currently Running and assigned to
// assignee, if any — at most one may exist, enforced by the unique
// (assigned_to) WHERE status = 'Running' index.
func (s *Store) RunningChunkFor(ctx context.Context, assignee string) (*models.ExperimentChunk, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+chunkColumns+` FROM experiment_chunks
		WHERE assigned_to=$1 AND status=$2`, assignee, models.ChunkRunning)
	c, err := scanChunk(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// ClaimNextChunk implements next_for's steps 2-3 (spec §4.2): select the
// oldest Queued chunk of the highest-priority experiment and atomically
// transition it to Running, assigned to assignee. The row lock is held via
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent claims never race,
// mirroring the teacher's claimNextSession pattern generalized with a
// priority tie-break.
func (s *Store) ClaimNextChunk(ctx context.Context, assignee string) (*models.ExperimentChunk, bool, error) {
	var claimed *models.ExperimentChunk
	err := s.Tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+chunkColumnsQualified()+`
			FROM experiment_chunks c
			JOIN experiments e ON e.name = c.experiment_name
			WHERE c.status = $1
			ORDER BY e.priority DESC, c.created_at ASC
			LIMIT 1
			FOR UPDATE OF c SKIP LOCKED`, models.ChunkQueued)

		c, err := scanChunk(row)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE experiment_chunks SET status=$1, assigned_to=$2, started_at=COALESCE(started_at,$3)
			WHERE name=$4`, models.ChunkRunning, assignee, now, c.Name); err != nil {
			return fmt.Errorf("claim chunk %s: %w", c.Name, err)
		}
		c.Status = models.ChunkRunning
		c.AssignedTo = &assignee
		if c.StartedAt == nil {
			c.StartedAt = &now
		}
		claimed = c
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return claimed, claimed != nil, nil
}

func chunkColumnsQualified() string {
	return "c.name, c.experiment_name, c.status, c.assigned_to, c.created_at, c.started_at, c.completed_at, c.crate_keys"
}

// RequeueChunksFor resets every Running chunk assigned to assignee back to
// Queued and unassigned, for the sweep worker to reclaim work from an
// agent that has gone silent (spec §4.2's next_for then picks the chunk up
// again on the next agent's poll). It returns the names of the chunks
// reclaimed.
func (s *Store) RequeueChunksFor(ctx context.Context, assignee string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE experiment_chunks
		SET status=$1, assigned_to=NULL, started_at=NULL
		WHERE assigned_to=$2 AND status=$3
		RETURNING name`, models.ChunkQueued, assignee, models.ChunkRunning)
	if err != nil {
		return nil, fmt.Errorf("requeue chunks for %s: %w", assignee, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CompleteChunk transitions chunk to Completed and decrements its parent's
// children counter in the same transaction, returning the parent's
// remaining children count so the caller can decide whether to transition
// Running -> NeedsReport. Completion is idempotent: re-calling on an
// already-Completed chunk is a no-op that returns the current count.
func (s *Store) CompleteChunk(ctx context.Context, chunkName string) (parentName string, remainingChildren int, err error) {
	err = s.Tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var status models.ChunkStatus
		if scanErr := tx.QueryRow(ctx, `SELECT experiment_name, status FROM experiment_chunks WHERE name=$1 FOR UPDATE`, chunkName).
			Scan(&parentName, &status); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock chunk: %w", scanErr)
		}

		if status == models.ChunkCompleted {
			return tx.QueryRow(ctx, `SELECT children FROM experiments WHERE name=$1`, parentName).Scan(&remainingChildren)
		}

		now := time.Now().UTC()
		if _, execErr := tx.Exec(ctx, `
			UPDATE experiment_chunks SET status=$1, completed_at=$2 WHERE name=$3`,
			models.ChunkCompleted, now, chunkName); execErr != nil {
			return fmt.Errorf("complete chunk: %w", execErr)
		}

		remainingChildren, err = s.DecrementChildren(ctx, tx, parentName)
		return err
	})
	return parentName, remainingChildren, err
}

// RemoveCompletedCrates prunes from a chunk any crate whose result count is
// >= 2 (both toolchains present), per spec §4.2 — used when an agent
// resumes mid-chunk.
func (s *Store) RemoveCompletedCrates(ctx context.Context, chunkName string) error {
	return s.Tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+chunkColumns+` FROM experiment_chunks WHERE name=$1 FOR UPDATE`, chunkName)
		c, err := scanChunk(row)
		if err != nil {
			return err
		}

		remaining := make([]models.Crate, 0, len(c.Crates))
		for _, crate := range c.Crates {
			var count int
			if err := tx.QueryRow(ctx, `
				SELECT count(*) FROM results WHERE experiment_name=$1 AND crate_key=$2`,
				c.ParentName, crate.Key()).Scan(&count); err != nil {
				return fmt.Errorf("count results for %s: %w", crate.Key(), err)
			}
			if count < 2 {
				remaining = append(remaining, crate)
			}
		}

		keys, err := marshalCrateKeys(remaining)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE experiment_chunks SET crate_keys=$1 WHERE name=$2`, keys, chunkName); err != nil {
			return fmt.Errorf("update chunk crate keys: %w", err)
		}
		return nil
	})
}

// Progress returns (results_count, total) for a chunk, per spec §4.2:
// results_count counts the parent experiment's results for the chunk's
// crates and total is twice the chunk's crate count (skipped crates are not
// subtracted); progress is ceil(100*results/total), 0 when total is 0.
func (s *Store) Progress(ctx context.Context, chunkName string) (resultsCount, total int, err error) {
	row := s.pool.QueryRow(ctx, `SELECT crate_keys FROM experiment_chunks WHERE name=$1`, chunkName)
	var keysJSON []byte
	if err := row.Scan(&keysJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrNotFound
		}
		return 0, 0, fmt.Errorf("scan chunk crate keys: %w", err)
	}
	var keys []string
	if err := json.Unmarshal(keysJSON, &keys); err != nil {
		return 0, 0, fmt.Errorf("unmarshal crate keys: %w", err)
	}
	total = len(keys) * 2

	var chunkParent string
	if err := s.pool.QueryRow(ctx, `SELECT experiment_name FROM experiment_chunks WHERE name=$1`, chunkName).Scan(&chunkParent); err != nil {
		return 0, 0, fmt.Errorf("lookup chunk parent: %w", err)
	}

	if len(keys) == 0 {
		return 0, 0, nil
	}
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM results WHERE experiment_name=$1 AND crate_key = ANY($2)`,
		chunkParent, keys).Scan(&resultsCount); err != nil {
		return 0, 0, fmt.Errorf("count results: %w", err)
	}
	return resultsCount, total, nil
}
