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

// CreateExperiment inserts a new experiment and its crate membership rows
// in one transaction. toolchain_start must differ from toolchain_end, per
// spec §4.2's DuplicateToolchains invariant.
func (s *Store) CreateExperiment(ctx context.Context, e *models.Experiment) error {
	if e.ToolchainStart == e.ToolchainEnd {
		return ErrDuplicateToolchains
	}

	return s.Tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		issueURL, issueNum := issueFields(e.Issue)
		_, err := tx.Exec(ctx, `
			INSERT INTO experiments
				(name, toolchain_start, toolchain_end, mode, cap_lints, priority,
				 status, created_at, ignore_blacklist, children,
				 github_issue_url, github_issue_number)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			e.Name, e.ToolchainStart, e.ToolchainEnd, e.Mode, e.CapLints, e.Priority,
			models.StatusQueued, e.CreatedAt, e.IgnoreBlacklist, 0,
			issueURL, issueNum)
		if err != nil {
			return fmt.Errorf("insert experiment: %w", err)
		}

		for _, ec := range e.Crates {
			if _, err := tx.Exec(ctx, `
				INSERT INTO experiment_crates (experiment_name, crate_key, skipped)
				VALUES ($1,$2,$3)`,
				e.Name, ec.Key(), false); err != nil {
				return fmt.Errorf("insert experiment crate %s: %w", ec.Key(), err)
			}
		}
		return nil
	})
}

func issueFields(issue *models.IssueRef) (*string, *int) {
	if issue == nil {
		return nil, nil
	}
	return &issue.URL, &issue.Number
}

// GetExperiment loads an experiment by name, without its crate list.
func (s *Store) GetExperiment(ctx context.Context, name string) (*models.Experiment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT name, toolchain_start, toolchain_end, mode, cap_lints, priority,
		       status, assigned_to, created_at, started_at, completed_at,
		       report_url, ignore_blacklist, children, github_issue_url, github_issue_number
		FROM experiments WHERE name = $1`, name)
	return scanExperiment(row)
}

func scanExperiment(row pgx.Row) (*models.Experiment, error) {
	var e models.Experiment
	var issueURL *string
	var issueNum *int
	if err := row.Scan(
		&e.Name, &e.ToolchainStart, &e.ToolchainEnd, &e.Mode, &e.CapLints, &e.Priority,
		&e.Status, &e.AssignedTo, &e.CreatedAt, &e.StartedAt, &e.CompletedAt,
		&e.ReportURL, &e.IgnoreBlacklist, &e.Children, &issueURL, &issueNum,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan experiment: %w", err)
	}
	if issueURL != nil && issueNum != nil {
		e.Issue = &models.IssueRef{URL: *issueURL, Number: *issueNum}
	}
	return &e, nil
}

// GetExperimentCrates returns the full crate membership list for an
// experiment, used when splitting it into chunks and by the report
// generator.
func (s *Store) GetExperimentCrates(ctx context.Context, name string) ([]models.ExperimentCrate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT experiment_name, crate_key, skipped FROM experiment_crates
		WHERE experiment_name = $1 ORDER BY crate_key`, name)
	if err != nil {
		return nil, fmt.Errorf("query experiment crates: %w", err)
	}
	defer rows.Close()

	var out []models.ExperimentCrate
	for rows.Next() {
		var ec models.ExperimentCrate
		var key string
		if err := rows.Scan(&ec.ExperimentName, &key, &ec.Skipped); err != nil {
			return nil, fmt.Errorf("scan experiment crate: %w", err)
		}
		crate, err := models.ParseCrateKey(key)
		if err != nil {
			return nil, err
		}
		ec.Crate = crate
		out = append(out, ec)
	}
	return out, rows.Err()
}

// ExperimentEdit is the set of fields editable on a Queued experiment, per
// spec §4.2's editing rule.
type ExperimentEdit struct {
	ToolchainStart *string
	ToolchainEnd   *string
	Mode           *models.Mode
	CapLints       *models.CapLints
	Priority       *int
	Crates         []models.Crate // replaces the set wholesale, not diffed
}

// EditExperiment applies edit to an experiment, enforcing that mutation is
// only permitted while the experiment is Queued and that the resulting
// toolchain pair stays distinct. No row changes occur on either failure
// path (invariant 1 and 2, spec §8).
func (s *Store) EditExperiment(ctx context.Context, name string, edit ExperimentEdit) error {
	return s.Tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var status models.Status
		var toolchainStart, toolchainEnd string
		err := tx.QueryRow(ctx, `SELECT status, toolchain_start, toolchain_end FROM experiments WHERE name = $1 FOR UPDATE`, name).
			Scan(&status, &toolchainStart, &toolchainEnd)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock experiment: %w", err)
		}
		if status != models.StatusQueued {
			return ErrNotQueued
		}

		if edit.ToolchainStart != nil {
			toolchainStart = *edit.ToolchainStart
		}
		if edit.ToolchainEnd != nil {
			toolchainEnd = *edit.ToolchainEnd
		}
		if toolchainStart == toolchainEnd {
			return ErrDuplicateToolchains
		}

		if _, err := tx.Exec(ctx, `
			UPDATE experiments SET toolchain_start=$1, toolchain_end=$2,
			       mode = COALESCE($3, mode),
			       cap_lints = COALESCE($4, cap_lints),
			       priority = COALESCE($5, priority)
			WHERE name = $6`,
			toolchainStart, toolchainEnd, edit.Mode, edit.CapLints, edit.Priority, name); err != nil {
			return fmt.Errorf("update experiment: %w", err)
		}

		if edit.Crates != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM experiment_chunks WHERE experiment_name = $1`, name); err != nil {
				return fmt.Errorf("clear experiment chunks: %w", err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM experiment_crates WHERE experiment_name = $1`, name); err != nil {
				return fmt.Errorf("clear experiment crates: %w", err)
			}
			for _, c := range edit.Crates {
				if _, err := tx.Exec(ctx, `
					INSERT INTO experiment_crates (experiment_name, crate_key, skipped) VALUES ($1,$2,false)`,
					name, c.Key()); err != nil {
					return fmt.Errorf("insert experiment crate %s: %w", c.Key(), err)
				}
			}
		}
		return nil
	})
}

// SetExperimentStatus transitions an experiment's status, stamping
// started_at/completed_at where appropriate. It is the low-level primitive
// used by pkg/experiment's state machine; it does not itself validate
// transition legality.
func (s *Store) SetExperimentStatus(ctx context.Context, tx pgx.Tx, name string, status models.Status, stampStarted, stampCompleted bool) error {
	now := time.Now().UTC()
	var startedAt, completedAt *time.Time
	if stampStarted {
		startedAt = &now
	}
	if stampCompleted {
		completedAt = &now
	}
	_, err := tx.Exec(ctx, `
		UPDATE experiments SET status=$1,
		       started_at = COALESCE(started_at, $2),
		       completed_at = COALESCE($3, completed_at)
		WHERE name = $4`, status, startedAt, completedAt, name)
	if err != nil {
		return fmt.Errorf("set experiment status: %w", err)
	}
	return nil
}

// SetReportURL records the artifact location once the report generator
// finishes.
func (s *Store) SetReportURL(ctx context.Context, name, url string) error {
	_, err := s.pool.Exec(ctx, `UPDATE experiments SET report_url=$1 WHERE name=$2`, url, name)
	if err != nil {
		return fmt.Errorf("set report url: %w", err)
	}
	return nil
}

// DecrementChildren decrements an experiment's outstanding-children
// counter by one and returns the resulting value, inside tx so the caller
// can transition Running->NeedsReport atomically when it reaches zero.
func (s *Store) DecrementChildren(ctx context.Context, tx pgx.Tx, name string) (int, error) {
	var children int
	err := tx.QueryRow(ctx, `
		UPDATE experiments SET children = children - 1 WHERE name = $1 RETURNING children`, name).Scan(&children)
	if err != nil {
		return 0, fmt.Errorf("decrement children: %w", err)
	}
	return children, nil
}

// SetChildren sets the initial outstanding-children counter when an
// experiment is split into N chunks.
func (s *Store) SetChildren(ctx context.Context, tx pgx.Tx, name string, n int) error {
	_, err := tx.Exec(ctx, `UPDATE experiments SET children=$1 WHERE name=$2`, n, name)
	if err != nil {
		return fmt.Errorf("set children: %w", err)
	}
	return nil
}

// ListByStatus returns the names of every experiment in the given status,
// oldest first — used by the report worker to find NeedsReport experiments.
func (s *Store) ListByStatus(ctx context.Context, status models.Status) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM experiments WHERE status=$1 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("query experiments by status: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan experiment name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// TransitionStatus runs SetExperimentStatus in its own transaction, for
// callers that don't already hold one (pkg/experiment's single-statement
// transitions).
func (s *Store) TransitionStatus(ctx context.Context, name string, status models.Status, stampStarted, stampCompleted bool) error {
	return s.Tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return s.SetExperimentStatus(ctx, tx, name, status, stampStarted, stampCompleted)
	})
}

// marshalCrateKeys encodes the chunk store's JSON crate_keys column;
// scanChunk and Progress decode it inline.
func marshalCrateKeys(crates []models.Crate) ([]byte, error) {
	keys := make([]string, len(crates))
	for i, c := range crates {
		keys[i] = c.Key()
	}
	return json.Marshal(keys)
}
